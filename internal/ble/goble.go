package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// GoBLEAdapter implements Adapter against a real Bluetooth HCI device via
// github.com/go-ble/ble and github.com/go-ble/ble/linux, following the
// connect/discover/subscribe/write shape of
// teslamotors-vehicle-command's pkg/connector/ble package and the
// per-call error normalization of internal/device/go-ble/error.go.
type GoBLEAdapter struct {
	device  blelib.Device
	logger  *logrus.Logger
	timeout time.Duration
}

// NewGoBLEAdapter opens the host's Bluetooth HCI adapter and returns a ready
// Adapter. timeout bounds every subsequent BLE call.
func NewGoBLEAdapter(logger *logrus.Logger, timeout time.Duration) (*GoBLEAdapter, error) {
	dev, err := newHCIDevice()
	if err != nil {
		return nil, err
	}
	blelib.SetDefaultDevice(dev)

	return &GoBLEAdapter{device: dev, logger: logger, timeout: timeout}, nil
}

func (a *GoBLEAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// Connect dials address, discovers every service/characteristic (the roster
// only ever touches three fixed UUIDs, but go-ble requires a profile walk to
// resolve a UUID to a *ble.Characteristic), and returns a Handle.
func (a *GoBLEAdapter) Connect(ctx context.Context, address string) (Handle, error) {
	dialCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	client, err := blelib.Dial(dialCtx, blelib.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("%w: %s: discover profile: %v", ErrConnectFailed, address, err)
	}

	return &goBLEHandle{
		address: address,
		client:  client,
		subs:    make(map[string]*blelib.Characteristic),
		profile: profile,
	}, nil
}

func (a *GoBLEAdapter) Disconnect(h Handle) error {
	gh, ok := h.(*goBLEHandle)
	if !ok || gh.client == nil {
		return nil
	}

	for uuid, char := range gh.subs {
		if err := gh.client.Unsubscribe(char, false); err != nil {
			a.logger.WithFields(logrus.Fields{"address": gh.address, "uuid": uuid, "error": err}).
				Debug("unsubscribe on disconnect failed, continuing")
		}
	}
	gh.subs = make(map[string]*blelib.Characteristic)

	if err := gh.client.CancelConnection(); err != nil {
		return wrapIO("disconnect", err)
	}
	return nil
}

func (a *GoBLEAdapter) ReadCharByUUID(ctx context.Context, h Handle, uuid string) ([]byte, error) {
	gh, ok := h.(*goBLEHandle)
	if !ok {
		return nil, fmt.Errorf("%w: not a go-ble handle", ErrIOFailed)
	}
	char, err := gh.findCharacteristic(uuid)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	return callData(callCtx, "ble-read-"+gh.address, func() ([]byte, error) {
		data, err := gh.client.ReadCharacteristic(char)
		return data, wrapIO("read "+uuid, err)
	})
}

func (a *GoBLEAdapter) WriteCharByUUID(ctx context.Context, h Handle, uuid string, data []byte) error {
	gh, ok := h.(*goBLEHandle)
	if !ok {
		return fmt.Errorf("%w: not a go-ble handle", ErrIOFailed)
	}
	char, err := gh.findCharacteristic(uuid)
	if err != nil {
		return err
	}

	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	return call(callCtx, "ble-write-"+gh.address, func() error {
		return wrapIO("write "+uuid, gh.client.WriteCharacteristic(char, data, false))
	})
}

func (a *GoBLEAdapter) Subscribe(ctx context.Context, h Handle, uuid string, cb func(data []byte)) error {
	gh, ok := h.(*goBLEHandle)
	if !ok {
		return fmt.Errorf("%w: not a go-ble handle", ErrIOFailed)
	}
	char, err := gh.findCharacteristic(uuid)
	if err != nil {
		return err
	}

	callCtx, cancel := a.withTimeout(ctx)
	defer cancel()

	err = call(callCtx, "ble-subscribe-"+gh.address, func() error {
		return wrapIO("subscribe "+uuid, gh.client.Subscribe(char, false, cb))
	})
	if err != nil {
		return err
	}
	gh.subs[strings.ToLower(uuid)] = char
	return nil
}

func (a *GoBLEAdapter) Unsubscribe(h Handle, uuid string) error {
	gh, ok := h.(*goBLEHandle)
	if !ok {
		return nil
	}
	char, present := gh.subs[strings.ToLower(uuid)]
	if !present {
		return nil
	}
	if err := gh.client.Unsubscribe(char, false); err != nil {
		return wrapIO("unsubscribe "+uuid, err)
	}
	delete(gh.subs, strings.ToLower(uuid))
	return nil
}

// findCharacteristic resolves a UUID string to a discovered *ble.Characteristic.
func (gh *goBLEHandle) findCharacteristic(uuid string) (*blelib.Characteristic, error) {
	want, err := blelib.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid uuid %q: %v", ErrIOFailed, uuid, err)
	}
	for _, svc := range gh.profile.Services {
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(want) {
				return char, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: characteristic %s not found", ErrIOFailed, uuid)
}
