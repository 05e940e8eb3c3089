// Package ble implements the BLE collaborator interface spec.md §6 calls
// for: connect, disconnect, read/write characteristic by UUID, subscribe
// and unsubscribe from notifications. Connect, read, write and subscribe are
// bounded by a timeout (spec.md §5/§9); Disconnect and Unsubscribe take no
// context and are not bounded.
package ble

import (
	"context"
	"errors"
	"fmt"
)

// Handle is an opaque, per-device live BLE session, owned exclusively by the
// SlaveRecord that created it (spec.md §5). The daemon never inspects it;
// it is only ever passed back into Adapter calls.
type Handle interface {
	// Address is the MAC-like address this handle was dialed for, useful
	// only for logging.
	Address() string
}

// Errors surfaced to the slave supervisor, per spec.md §7.
var (
	ErrConnectFailed = errors.New("ble connect failed")
	ErrIOFailed      = errors.New("ble io failed")
	ErrTimeout       = errors.New("ble call timed out")
)

// Adapter is the BLE collaborator the slave supervisor drives. It is a
// narrow slice of what a full BLE stack can do -- deliberately: spec.md's
// Non-goals exclude scanning/discovery, and devices are identified by
// address, not discovered.
type Adapter interface {
	// Connect dials address and returns a live Handle. ctx bounds the dial;
	// any dial failure, including exceeding ctx, surfaces as ErrConnectFailed.
	Connect(ctx context.Context, address string) (Handle, error)

	// Disconnect tears down a live session. Safe to call on an already-torn-
	// down handle (idempotent), matching spec.md's "any: process shutdown"
	// transition which may race with a watchdog-triggered disconnect.
	Disconnect(h Handle) error

	// ReadCharByUUID reads one characteristic value, used only for the
	// serial-number read on first identify (spec.md §4.5).
	ReadCharByUUID(ctx context.Context, h Handle, uuid string) ([]byte, error)

	// WriteCharByUUID writes data to a characteristic, used for the poll
	// ("T") and acknowledgement ("R") commands.
	WriteCharByUUID(ctx context.Context, h Handle, uuid string, data []byte) error

	// Subscribe registers cb to be invoked with each notification payload
	// arriving on uuid. cb is invoked on the daemon's own tick goroutine in
	// the mock adapter used by tests; the real go-ble adapter invokes it
	// from go-ble's internal notification dispatcher, so callers that mutate
	// shared state from cb must not assume single-threaded re-entrancy
	// beyond what spec.md §5 already guarantees about the roster itself
	// (the supervisor guards each record's mutation with its own mutex).
	Subscribe(ctx context.Context, h Handle, uuid string, cb func(data []byte)) error

	// Unsubscribe cancels a prior Subscribe. Safe to call when not
	// subscribed.
	Unsubscribe(h Handle, uuid string) error
}

// wrapIO wraps err, if non-nil, as ErrIOFailed.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrIOFailed, op, err)
}
