package lan

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/opd-ai/partymesh/limits"
	"github.com/opd-ai/partymesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconRoundTrip(t *testing.T) {
	b := beacon{
		Handle: "h-1",
		Name:   "alice",
		Port:   4242,
		Info:   transport.DiscoveryInfo{DiscoveryID: "abc", GroupID: "0123abcd", GroupSize: 3}.Map(),
	}

	data, err := encodeBeacon(b)
	require.NoError(t, err)

	got, err := decodeBeacon(data)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, 3, transport.ParseDiscoveryInfo(got.Info).GroupSize)
}

func TestDecodeBeaconRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not json")},
		{"no handle", []byte(`{"name":"x","port":1}`)},
		{"oversized", bytes.Repeat([]byte{' '}, limits.MaxBeaconSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeBeacon(tt.data)
			assert.ErrorIs(t, err, ErrInvalidBeacon)
		})
	}
}

func TestEncodeBeaconTooLarge(t *testing.T) {
	b := beacon{Handle: "h", Name: strings.Repeat("n", limits.MaxBeaconSize)}
	_, err := encodeBeacon(b)
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("one")))
	require.NoError(t, writeFrame(&buf, nil))
	require.NoError(t, writeFrame(&buf, []byte("three")))

	for _, want := range []string{"one", "", "three"} {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameLimit(t *testing.T) {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], limits.MaxReliablePayload+1)
	_, err := readFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload")))
	_, err := readFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	assert.Error(t, err)
}
