package ble

import (
	"fmt"
	"os"
	"path/filepath"

	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newHCIDevice opens the first available Bluetooth HCI adapter on the host.
// The daemon is deployed on a Raspberry Pi with exactly one onboard adapter,
// so "first available" is sufficient; there is no Non-goal around multi-
// adapter selection to generalize beyond that.
func newHCIDevice() (blelib.Device, error) {
	hci, err := firstAvailableHCI()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return linux.NewDevice(blelib.OptDeviceID(hciIndex(hci)))
}

func firstAvailableHCI() (string, error) {
	matches, err := filepath.Glob("/sys/class/bluetooth/hci*")
	if err != nil {
		return "", fmt.Errorf("listing hci devices: %w", err)
	}
	for _, m := range matches {
		if _, err := os.Stat(m); err == nil {
			return filepath.Base(m), nil
		}
	}
	return "", fmt.Errorf("no hci adapter found")
}

func hciIndex(hci string) int {
	var index int
	if _, err := fmt.Sscanf(hci, "hci%d", &index); err != nil {
		return 0
	}
	return index
}
