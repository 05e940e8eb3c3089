package roster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRewriteMSFloor(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))

	rec, err := r.Add("AA:BB:CC:DD:EE:01", 0)
	require.NoError(t, err)
	assert.EqualValues(t, minRewriteMS, rec.RewriteMS, "holding_ms=0 must still clamp to 35000")

	rec2, err := r.Add("AA:BB:CC:DD:EE:02", 30_000)
	require.NoError(t, err)
	assert.EqualValues(t, 60_000, rec2.RewriteMS)
}

func TestAddRejectsDuplicate(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))

	_, err := r.Add("AA:BB:CC:DD:EE:01", 2000)
	require.NoError(t, err)

	_, err = r.Add("AA:BB:CC:DD:EE:01", 9000)
	require.ErrorIs(t, err, ErrDuplicate)

	rec, ok := r.Find("AA:BB:CC:DD:EE:01")
	require.True(t, ok)
	assert.EqualValues(t, 2000, rec.HoldingMS, "first holding value must survive")
}

func TestAddRejectsOverflow(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))

	for i := 0; i < MaxSlave; i++ {
		mac := "AA:BB:CC:DD:EE:" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		_, err := r.Add(mac, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, MaxSlave, r.Len())

	_, err := r.Add("FF:FF:FF:FF:FF:FF", 1000)
	assert.ErrorIs(t, err, ErrFull)
}

func TestSerialNeverCleared(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))
	rec, err := r.Add("AA:BB:CC:DD:EE:01", 2000)
	require.NoError(t, err)

	rec.SetSerial("SN-001")
	assert.Equal(t, "SN-001", rec.Serial)

	rec.SetSerial("SN-002")
	assert.Equal(t, "SN-001", rec.Serial, "serial must never be overwritten once set")
}

func TestPersistSuppressedWhenLoadedFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slave_list.txt")
	require.NoError(t, os.WriteFile(path, []byte("AA:BB:CC:DD:EE:01 2000\n"), 0o644))

	r := New(path)
	n, err := r.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.LoadedFromFile())

	rec, ok := r.Find("AA:BB:CC:DD:EE:01")
	require.True(t, ok)
	require.NoError(t, r.Persist(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01 2000\n", string(data), "persist must be a no-op when loaded from file")
}

func TestPersistAppendsWhenNotLoadedFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slave_list.txt")

	r := New(path)
	rec1, err := r.Add("AA:BB:CC:DD:EE:02", 1500)
	require.NoError(t, err)
	rec2, err := r.Add("AA:BB:CC:DD:EE:03", 2000)
	require.NoError(t, err)

	require.NoError(t, r.Persist(rec1))
	require.NoError(t, r.Persist(rec2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:02 1500\nAA:BB:CC:DD:EE:03 2000\n", string(data))
}

func TestPersistWritesOnlyOncePerRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slave_list.txt")

	r := New(path)
	rec, err := r.Add("AA:BB:CC:DD:EE:04", 1200)
	require.NoError(t, err)

	require.NoError(t, r.Persist(rec))
	require.NoError(t, r.Persist(rec))
	require.NoError(t, r.Persist(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:04 1200\n", string(data), "a reconnecting record must not be re-appended")
	assert.True(t, rec.Persisted)
}

func TestRangeVisitsInRosterOrder(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))
	macs := []string{"AA:01", "AA:02", "AA:03"}
	for _, mac := range macs {
		_, err := r.Add(mac, 1000)
		require.NoError(t, err)
	}

	var seen []string
	r.Range(func(rec *Record) bool {
		seen = append(seen, rec.Address)
		return true
	})
	assert.Equal(t, macs, seen)
}

func TestTruncatesOverlongFields(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "slave_list.txt"))
	longMac := ""
	for i := 0; i < 200; i++ {
		longMac += "X"
	}
	rec, err := r.Add(longMac, 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rec.Address), maxAddressLen)

	longPayload := make([]byte, 2000)
	rec.SetPayload(longPayload)
	assert.LessOrEqual(t, len(rec.Payload), maxPayloadLen)
}
