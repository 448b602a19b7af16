// Package limits provides centralized party-size and payload-size limits for
// the session layer. This keeps validation consistent between the router,
// the registry and the transport adapters.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinPartySize is the smallest group worth forming: self plus one peer.
	MinPartySize = 2

	// MaxPartySize is the largest supported group, self included.
	MaxPartySize = 4

	// MaxReliablePayload is the largest encoded message accepted for
	// reliable delivery (64 KiB).
	MaxReliablePayload = 64 * 1024

	// MaxBestEffortPayload is the largest encoded message accepted for
	// best-effort delivery. It fits a single QUIC datagram on a 1280 byte
	// IPv6 minimum MTU path.
	MaxBestEffortPayload = 1150

	// MaxBeaconSize bounds discovery beacons read off the LAN.
	MaxBeaconSize = 1024
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its delivery limit
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrPartySize indicates a party size outside [MinPartySize, MaxPartySize]
	ErrPartySize = errors.New("party size out of range")
)

// ValidatePayload checks an encoded message against the limit for its
// delivery mode.
func ValidatePayload(data []byte, reliable bool) error {
	if len(data) == 0 {
		return ErrPayloadEmpty
	}
	limit := MaxBestEffortPayload
	mode := "best-effort"
	if reliable {
		limit = MaxReliablePayload
		mode = "reliable"
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrPayloadTooLarge, mode, len(data), limit)
	}
	return nil
}

// ValidatePartySize checks that n (self included) is a supported party size.
func ValidatePartySize(n int) error {
	if n < MinPartySize || n > MaxPartySize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPartySize, n, MinPartySize, MaxPartySize)
	}
	return nil
}

// Capacity returns how many remote peers a party of size n admits.
func Capacity(partySize int) int {
	return partySize - 1
}
