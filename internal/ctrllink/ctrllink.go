// Package ctrllink is the daemon's single TCP client to the backend
// collector (spec.md §4.4/§6): an unframed loopback stream that carries
// outbound notification lines and inbound enrollment tuples.
package ctrllink

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

const (
	// ingressBufCap is the fixed ingress accumulator size (spec.md §5:
	// "The control-link ingress buffer is 1024 bytes; a longer line is
	// truncated").
	ingressBufCap = 1024

	// egressRetryCap bounds the number of unsent lines kept for the next
	// successful send. Not in spec.md explicitly; a production rewrite
	// keeping the original's "drop the message" failure mode (§4.4) still
	// benefits from a short buffer to ride out a single reconnect, rather
	// than losing every line sent during the gap.
	egressRetryCap = 64

	dialTimeout = 5 * time.Second
)

// Errors surfaced to the daemon, per spec.md §7.
var (
	ErrSendFailed  = errors.New("ctrl link send failed")
	ErrParseFailed = errors.New("ctrl link parse failed")
)

// Enrollment is one parsed ingress tuple: a device the backend wants added
// to the roster.
type Enrollment struct {
	MAC       string
	HoldingMS int64
}

// Link is the control-link client. Not safe for concurrent use; it is
// driven exclusively by the daemon's tick loop, per spec.md §5.
type Link struct {
	addr   string
	logger *logrus.Logger

	conn net.Conn

	ingress *ringbuffer.RingBuffer

	// egressRetry holds lines that failed to send, replayed opportunistically
	// on the next successful Send. It is an overwrite-oldest ring: a peer
	// down long enough to fill it loses its oldest backlog first, not its
	// newest.
	egressRetry mpmc.RichOverlappedRingBuffer[string]
}

// New returns a Link that dials addr lazily on first Send/Pump.
func New(addr string, logger *logrus.Logger) *Link {
	return &Link{
		addr:        addr,
		logger:      logger,
		ingress:     ringbuffer.New(ingressBufCap),
		egressRetry: mpmc.NewOverlappedRingBuffer[string](egressRetryCap),
	}
}

func (l *Link) ensureConnected() error {
	if l.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", l.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrSendFailed, l.addr, err)
	}
	l.conn = conn
	l.logger.WithField("addr", l.addr).Info("ctrl link connected")
	return nil
}

func (l *Link) reconnect() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

// Format builds the egress line for one notification, spec.md §4.4:
// "<serial> <payload> mac: <mac>", no trailing newline. The special payload
// "Initialized" (enrollment acknowledgement) is formatted identically and
// forwarded with no special handling, per spec.
func Format(serial, payload, mac string) string {
	return fmt.Sprintf("%s %s mac: %s", serial, payload, mac)
}

// Send transmits one egress line. A send error closes the socket and
// immediately dials a fresh one. The failed line is queued in egressRetry;
// if the redial succeeds the queue is replayed on the new connection right
// away, otherwise it waits for the next successful Send. The send error is
// returned in both cases.
func (l *Link) Send(serial, payload, mac string) error {
	line := Format(serial, payload, mac)
	return l.send(line)
}

func (l *Link) send(line string) error {
	if err := l.ensureConnected(); err != nil {
		l.queueRetry(line)
		return err
	}

	if _, err := l.conn.Write([]byte(line)); err != nil {
		l.reconnect()
		l.queueRetry(line)
		if l.ensureConnected() == nil {
			l.drainRetry()
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	l.drainRetry()
	return nil
}

func (l *Link) queueRetry(line string) {
	if overwrites, err := l.egressRetry.EnqueueM(line); err != nil {
		l.logger.WithField("error", err).Warn("ctrl link retry queue rejected line")
	} else if overwrites > 0 {
		l.logger.WithField("dropped", overwrites).Warn("ctrl link retry queue overflowed, oldest lines dropped")
	}
}

// drainRetry replays any backlog built up while the socket was down. Called
// after a successful write, or right after a successful redial.
func (l *Link) drainRetry() {
	for !l.egressRetry.IsEmpty() {
		line, err := l.egressRetry.Dequeue()
		if err != nil {
			return
		}
		if _, err := l.conn.Write([]byte(line)); err != nil {
			l.reconnect()
			l.queueRetry(line)
			return
		}
	}
}

// Pump drains whatever ingress bytes are currently available (a
// non-blocking read; spec.md §4.4's "EAGAIN is not an error, recv of 0
// bytes means no data") and parses any complete enrollment tuples out of
// them. It never blocks the tick loop.
func (l *Link) Pump() ([]Enrollment, error) {
	if err := l.ensureConnected(); err != nil {
		return nil, nil
	}

	buf := make([]byte, ingressBufCap)
	_ = l.conn.SetReadDeadline(time.Now())
	n, err := l.conn.Read(buf)
	_ = l.conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil // EAGAIN-equivalent: no pending ingress
		}
		l.reconnect()
		return nil, nil
	}
	if n == 0 {
		return nil, nil
	}

	if _, err := l.ingress.Write(buf[:n]); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	pending := l.ingress.Length()
	out := make([]byte, pending)
	if _, err := l.ingress.TryRead(out); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	enrollments, perr := ParseIngress(out)
	if perr != nil {
		l.logger.WithField("error", perr).Warn("ctrl link ingress parse failed, remainder abandoned")
	}
	return enrollments, nil
}

// ParseIngress implements spec.md §4.4's ingress grammar: a buffer holding
// one or more "<mac> <seconds>" tuples separated by ',', with a leading
// separator byte from the backend's own framing stripped before the first
// tuple (spec.md §9: "fragile... preserved for compatibility"). Parsing
// stops at the first malformed tuple; everything parsed before it is
// returned together with ErrParseFailed so the caller can log and move on.
func ParseIngress(buf []byte) ([]Enrollment, error) {
	text := string(buf)
	if len(text) > 0 {
		text = text[1:]
	}
	text = strings.TrimRight(text, "\x00")
	if text == "" {
		return nil, nil
	}

	var out []Enrollment
	for _, tuple := range strings.Split(text, ",") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		var mac string
		var seconds float64
		if _, err := fmt.Sscanf(tuple, "%s %f", &mac, &seconds); err != nil {
			return out, fmt.Errorf("%w: tuple %q: %v", ErrParseFailed, tuple, err)
		}
		out = append(out, Enrollment{MAC: mac, HoldingMS: int64(seconds*1000 + 0.5)})
	}
	return out, nil
}

// Close tears down the socket, if open. Safe to call multiple times.
func (l *Link) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
