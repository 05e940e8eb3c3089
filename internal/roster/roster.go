// Package roster holds the bounded, MAC-indexed table of enrolled BLE
// devices (spec.md §3/§4.3). It is backed by an order-preserving map so
// "roster order" -- the order daemon.Daemon visits records each tick -- is
// exactly insertion order, with no separate index slice to keep in sync.
package roster

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// MaxSlave is the maximum number of enrolled devices (spec.md §3).
	MaxSlave = 100

	// minRewriteMS is the floor for rewrite_ms regardless of holding_ms
	// (spec.md §3, invariant 2).
	minRewriteMS = 35_000

	maxAddressLen = 63
	maxSerialLen  = 127
	maxPayloadLen = 1023
)

// Errors returned by Add.
var (
	ErrFull      = errors.New("roster full")
	ErrDuplicate = errors.New("roster duplicate")
)

// State is the slave supervisor's state, spec.md §4.5. It lives on the
// record so tests and diagnostics can observe it directly instead of
// inferring it from whether a connection handle is present.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateIdentified
	StatePolling
	StateStale
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StatePolling:
		return "polling"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Record is one enrolled device, spec.md §3.
type Record struct {
	Address    string
	Serial     string
	HoldingMS  int64
	RewriteMS  int64
	LastUpdate int64 // 64-bit monotonic ms, spec.md §4.1
	Handle     any   // ble.Handle when connected, nil otherwise
	Payload    []byte
	State      State
	Persisted  bool // set once Persist has written this record to the device-list file
}

// RewriteFor computes rewrite_ms = max(2*holding_ms, 35000), spec.md §3.
func RewriteFor(holdingMS int64) int64 {
	r := 2 * holdingMS
	if r < minRewriteMS {
		return minRewriteMS
	}
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Roster is the bounded device table. Not safe for concurrent use from
// multiple goroutines; the daemon's single-threaded tick loop is its only
// caller, per spec.md §5.
type Roster struct {
	records        *orderedmap.OrderedMap[string, *Record]
	loadedFromFile bool
	devicePath     string
}

// New creates an empty roster that will persist newly-added records to path.
func New(devicePath string) *Roster {
	return &Roster{
		records:    orderedmap.New[string, *Record](),
		devicePath: devicePath,
	}
}

// Find returns the record for mac, or (nil, false) if absent.
func (r *Roster) Find(mac string) (*Record, bool) {
	return r.records.Get(mac)
}

// Len returns the number of enrolled devices.
func (r *Roster) Len() int {
	return r.records.Len()
}

// Add enrolls a new device with the given cadence. It refuses duplicate MACs
// and refuses to grow the roster past MaxSlave, per spec.md §4.3.
func (r *Roster) Add(mac string, holdingMS int64) (*Record, error) {
	mac = truncate(mac, maxAddressLen)

	if _, present := r.records.Get(mac); present {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, mac)
	}
	if r.records.Len() >= MaxSlave {
		return nil, fmt.Errorf("%w: at %d", ErrFull, MaxSlave)
	}

	rec := &Record{
		Address:   mac,
		HoldingMS: holdingMS,
		RewriteMS: RewriteFor(holdingMS),
		State:     StateIdle,
	}
	r.records.Set(mac, rec)
	return rec, nil
}

// SetSerial records the device-reported serial once, truncated to the
// record's bounded width. Per spec.md §3 invariant 3, once non-empty the
// serial is never cleared, so this is a no-op if already set.
func (rec *Record) SetSerial(serial string) {
	if rec.Serial != "" {
		return
	}
	rec.Serial = truncate(serial, maxSerialLen)
}

// SetPayload stores the most recent notification payload, truncated to the
// bounded width (spec.md §5).
func (rec *Record) SetPayload(payload []byte) {
	if len(payload) > maxPayloadLen {
		payload = payload[:maxPayloadLen]
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	rec.Payload = buf
}

// Touch recomputes RewriteMS from the current HoldingMS, spec.md §4.5
// ("on every notification... rewrite_ms = max(2*holding_ms, 35000)").
func (rec *Record) Touch(nowMS64 int64) {
	rec.RewriteMS = RewriteFor(rec.HoldingMS)
	rec.LastUpdate = nowMS64
}

// LoadFromFile populates the roster from the persisted device-list file
// (spec.md §6, "<address> <holding_ms>" per line). If at least one record
// is loaded, it sets loadedFromFile so subsequent Persist calls are
// suppressed and control-link ingress enrollments are ignored (spec.md
// §4.3/§4.4's "startup flag"). A file that exists but contains no valid
// records does NOT set the flag: spec.md §8 scenario 2 enrolls devices
// entirely over the control link starting from an empty roster, and those
// enrollments must both take effect and be persisted.
func (r *Roster) LoadFromFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		holdingMS, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if _, err := r.Add(fields[0], holdingMS); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		r.loadedFromFile = true
	}
	return n, scanner.Err()
}

// Persist appends "<mac> <holding_ms>\n" to the device-list file, but only
// when the roster as a whole was not itself loaded from that file -- spec.md
// §4.3's anti-duplication rule -- and only once per record: rec.Persisted
// guards against writing the same line again on a later reconnect. The
// supervisor calls this on a record's first successful connect.
func (r *Roster) Persist(rec *Record) error {
	if r.loadedFromFile || rec.Persisted {
		return nil
	}

	f, err := os.OpenFile(r.devicePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d\n", rec.Address, rec.HoldingMS); err != nil {
		return err
	}
	rec.Persisted = true
	return nil
}

// LoadedFromFile reports whether this roster was populated via LoadFromFile.
// Control-link enrollments are ignored entirely when this is true, per
// spec.md §4.4 ("If the roster was loaded from file, ingress enrollments are
// ignored").
func (r *Roster) LoadedFromFile() bool {
	return r.loadedFromFile
}

// Range calls fn for every record in roster (insertion) order, stopping
// early if fn returns false.
func (r *Roster) Range(fn func(rec *Record) bool) {
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}
