package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightiot/bleserverd/internal/ble"
	"github.com/insightiot/bleserverd/internal/clock"
	"github.com/insightiot/bleserverd/internal/roster"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeHandle is the scriptable Handle used by fakeAdapter.
type fakeHandle struct{ addr string }

func (h *fakeHandle) Address() string { return h.addr }

// fakeAdapter is a hand-scripted ble.Adapter, in the spirit of spec.md §8's
// "BLE stub" scenarios: every call's outcome is set up in advance by the
// test, and every call is recorded for assertions.
type fakeAdapter struct {
	mu sync.Mutex

	connectErr   error
	serial       []byte
	serialErr    error
	subscribeErr error
	writeErr     error

	writes    []string // uuid+":"+payload, in call order
	notifyCb  func([]byte)
	connects  int
	disconns  int
	unsubs    int
}

func (a *fakeAdapter) Connect(ctx context.Context, address string) (ble.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return &fakeHandle{addr: address}, nil
}

func (a *fakeAdapter) Disconnect(h ble.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconns++
	return nil
}

func (a *fakeAdapter) ReadCharByUUID(ctx context.Context, h ble.Handle, uuid string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serialErr != nil {
		return nil, a.serialErr
	}
	return a.serial, nil
}

func (a *fakeAdapter) WriteCharByUUID(ctx context.Context, h ble.Handle, uuid string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, uuid+":"+string(data))
	return a.writeErr
}

func (a *fakeAdapter) Subscribe(ctx context.Context, h ble.Handle, uuid string, cb func(data []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subscribeErr != nil {
		return a.subscribeErr
	}
	a.notifyCb = cb
	return nil
}

func (a *fakeAdapter) Unsubscribe(h ble.Handle, uuid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubs++
	return nil
}

// fakeSender records every forwarded line.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
}

func (s *fakeSender) Send(serial, payload, mac string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, serial+" "+payload+" mac: "+mac)
	return s.err
}

// fakePersister records every persisted record.
type fakePersister struct {
	mu        sync.Mutex
	persisted []string
	err       error
}

func (p *fakePersister) Persist(rec *roster.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persisted = append(p.persisted, rec.Address)
	rec.Persisted = true
	return p.err
}

func newTestRecord(mac string, holdingMS int64) *roster.Record {
	return &roster.Record{
		Address:   mac,
		HoldingMS: holdingMS,
		RewriteMS: roster.RewriteFor(holdingMS),
		State:     roster.StateIdle,
	}
}

func newTestSupervisor(rec *roster.Record, adapter *fakeAdapter, sender *fakeSender, persister *fakePersister) *Supervisor {
	sup := New(rec, adapter, sender, persister, clock.NewFake(0), 10*time.Second, discardLogger())
	sup.sleep = func(time.Duration) {} // no real sleeping in tests
	return sup
}

func TestConnectSuccessTransitionsToIdentifiedAndPersistsOnce(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:01", 2000)
	adapter := &fakeAdapter{serial: []byte("SN-001")}
	sender := &fakeSender{}
	persister := &fakePersister{}
	sup := newTestSupervisor(rec, adapter, sender, persister)

	sup.Tick(context.Background(), 5000)

	assert.Equal(t, roster.StateIdentified, rec.State)
	assert.Equal(t, "SN-001", rec.Serial)
	assert.EqualValues(t, 5000, rec.LastUpdate)
	assert.True(t, rec.Persisted)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01"}, persister.persisted)

	// A second connect-triggering tick must not persist again.
	rec.State = roster.StateIdle
	sup.Tick(context.Background(), 9000)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01"}, persister.persisted, "persist must happen at most once per record")
}

func TestConnectFailureDefersNextAttempt(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:02", 2000)
	adapter := &fakeAdapter{connectErr: errors.New("no route to host")}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Tick(context.Background(), 5000)

	assert.Equal(t, roster.StateIdle, rec.State)
	assert.EqualValues(t, 5000+rec.RewriteMS, rec.LastUpdate, "failed connect must defer by one rewrite window")
}

func TestSerialIsReadOnlyOnce(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:03", 2000)
	rec.SetSerial("SN-PRIOR")
	adapter := &fakeAdapter{serial: []byte("SN-NEW")}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Tick(context.Background(), 1000)

	assert.Equal(t, "SN-PRIOR", rec.Serial, "identify-once: a prior serial must survive reconnect")
}

func TestPollWritesSingleByteTAndAdvancesLastUpdate(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:04", 2000)
	rec.State = roster.StateIdentified
	rec.Handle = &fakeHandle{addr: rec.Address}
	rec.LastUpdate = 0
	adapter := &fakeAdapter{}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Tick(context.Background(), 3000)

	require.Len(t, adapter.writes, 1)
	assert.Equal(t, uuidWrite+":T", adapter.writes[0])
	assert.EqualValues(t, 3000, rec.LastUpdate)
}

func TestNotificationAcksRecomputesRewriteAndForwards(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:05", 2000)
	rec.State = roster.StatePolling
	rec.Handle = &fakeHandle{addr: rec.Address}
	rec.SetSerial("SN-005")
	adapter := &fakeAdapter{serial: []byte("SN-005")}
	sender := &fakeSender{}
	sup := newTestSupervisor(rec, adapter, sender, &fakePersister{})

	sup.onNotification([]byte("DATA1"))

	assert.Equal(t, roster.StateIdentified, rec.State)
	assert.Equal(t, "DATA1", string(rec.Payload))
	assert.EqualValues(t, roster.RewriteFor(rec.HoldingMS), rec.RewriteMS)
	require.Len(t, adapter.writes, 1)
	assert.Equal(t, uuidWrite+":R", adapter.writes[0])
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "SN-005 DATA1 mac: AA:BB:CC:DD:EE:05", sender.sent[0])
}

func TestSubscribeCallbackDeliversNotificationEndToEnd(t *testing.T) {
	// Mirrors spec.md §8 scenario 1: connect, identify, poll, then the stub
	// emits a notification asynchronously via the captured subscribe
	// callback, as the real go-ble adapter would from its own goroutine.
	rec := newTestRecord("AA:BB:CC:DD:EE:06", 2000)
	adapter := &fakeAdapter{serial: []byte("SN-006")}
	sender := &fakeSender{}
	sup := newTestSupervisor(rec, adapter, sender, &fakePersister{})

	sup.Tick(context.Background(), 1000) // Idle -> Identified
	require.NotNil(t, adapter.notifyCb)

	sup.Tick(context.Background(), 4000) // Identified -> Polling, writes "T"
	require.Contains(t, adapter.writes, uuidWrite+":T")

	adapter.notifyCb([]byte("DATA1"))

	assert.Equal(t, roster.StateIdentified, rec.State)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "SN-006 DATA1 mac: AA:BB:CC:DD:EE:06", sender.sent[0])
}

func TestSweepDisconnectsStaleConnection(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:07", 2000) // rewrite_ms = 35000 (floor)
	rec.State = roster.StateIdentified
	rec.Handle = &fakeHandle{addr: rec.Address}
	rec.LastUpdate = 0
	adapter := &fakeAdapter{}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Sweep(35_001)

	assert.Equal(t, roster.StateIdle, rec.State)
	assert.Equal(t, 1, adapter.disconns)
	assert.Equal(t, 1, adapter.unsubs)
	assert.Nil(t, rec.Handle)
}

func TestSweepIgnoresFreshConnection(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:08", 2000)
	rec.State = roster.StateIdentified
	rec.Handle = &fakeHandle{addr: rec.Address}
	rec.LastUpdate = 34_000
	adapter := &fakeAdapter{}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Sweep(35_000)

	assert.Equal(t, roster.StateIdentified, rec.State)
	assert.Equal(t, 0, adapter.disconns)
}

func TestShutdownTearsDownLiveSession(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:09", 2000)
	rec.State = roster.StateIdentified
	rec.Handle = &fakeHandle{addr: rec.Address}
	adapter := &fakeAdapter{}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Shutdown()

	assert.Equal(t, roster.StateIdle, rec.State)
	assert.Equal(t, 1, adapter.disconns)
	assert.Nil(t, rec.Handle)
}

func TestShutdownOnIdleRecordIsNoop(t *testing.T) {
	rec := newTestRecord("AA:BB:CC:DD:EE:10", 2000)
	adapter := &fakeAdapter{}
	sup := newTestSupervisor(rec, adapter, &fakeSender{}, &fakePersister{})

	sup.Shutdown()

	assert.Equal(t, 0, adapter.disconns)
}
