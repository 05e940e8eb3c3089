package ble

import blelib "github.com/go-ble/ble"

// goBLEHandle wraps a live go-ble client connection.
type goBLEHandle struct {
	address string
	client  blelib.Client
	profile *blelib.Profile
	subs    map[string]*blelib.Characteristic // uuid -> subscribed characteristic, for Unsubscribe
}

func (h *goBLEHandle) Address() string {
	return h.address
}
