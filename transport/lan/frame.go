package lan

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/partymesh/limits"
)

// Frames on the control stream: [length (4 bytes, big endian)][payload].
const frameHeaderSize = 4

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > limits.MaxReliablePayload {
		return nil, fmt.Errorf("%w: frame of %d bytes", limits.ErrPayloadTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
