package lan

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/partymesh/limits"
	"github.com/opd-ai/partymesh/transport"
)

// ErrInvalidBeacon indicates a beacon that cannot be decoded or is missing
// required fields.
var ErrInvalidBeacon = errors.New("invalid beacon")

// beacon is the UDP advertisement and also the hello sent on a new link.
type beacon struct {
	Handle transport.Handle  `json:"handle"`
	Name   string            `json:"name"`
	Port   int               `json:"port"`
	Info   map[string]string `json:"info"`
}

func encodeBeacon(b beacon) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode beacon: %w", err)
	}
	if len(data) > limits.MaxBeaconSize {
		return nil, fmt.Errorf("%w: beacon is %d bytes", limits.ErrPayloadTooLarge, len(data))
	}
	return data, nil
}

func decodeBeacon(data []byte) (beacon, error) {
	var b beacon
	if len(data) > limits.MaxBeaconSize {
		return b, fmt.Errorf("%w: %d bytes", ErrInvalidBeacon, len(data))
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrInvalidBeacon, err)
	}
	if b.Handle == "" {
		return b, fmt.Errorf("%w: no handle", ErrInvalidBeacon)
	}
	return b, nil
}

// reply answers a hello.
type reply struct {
	Accept bool `json:"accept"`
}
