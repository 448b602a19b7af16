package lan

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/partymesh/crypto"
	quic "github.com/quic-go/quic-go"
)

// ErrIdentityMismatch indicates a peer whose Noise static key is not the one
// its discovery id names.
var ErrIdentityMismatch = errors.New("static key does not match discovery id")

// exporterLabel derives the TLS channel binding used as the Noise prologue,
// so a handshake relayed through a second QUIC connection fails.
const exporterLabel = "EXPORTER-partymesh-noise-ik"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// channelBinding exports keying material unique to conn's TLS session.
func channelBinding(conn *quic.Conn) ([]byte, error) {
	tlsState := conn.ConnectionState().TLS
	return tlsState.ExportKeyingMaterial(exporterLabel, nil, 32)
}

// newHandshake starts a Noise IK handshake with the identity key pair. The
// initiator must know the responder's static key; the responder learns the
// initiator's from the first message.
func newHandshake(keys *crypto.KeyPair, peerStatic []byte, initiator bool, prologue []byte) (*noise.HandshakeState, error) {
	cfg := noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		Prologue:    prologue,
		StaticKeypair: noise.DHKey{
			Private: append([]byte(nil), keys.Private[:]...),
			Public:  append([]byte(nil), keys.Public[:]...),
		},
	}
	if initiator {
		if len(peerStatic) != 32 {
			return nil, fmt.Errorf("%w: peer key is %d bytes", ErrIdentityMismatch, len(peerStatic))
		}
		cfg.PeerStatic = peerStatic
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	return hs, nil
}

// staticKeyOf decodes a discovery id into the static key it names.
func staticKeyOf(discoveryID string) ([]byte, error) {
	key, err := hex.DecodeString(discoveryID)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: %q is not a public key", ErrIdentityMismatch, discoveryID)
	}
	return key, nil
}

// verifyPeerStatic checks that the key proven in hs is the one discoveryID
// names.
func verifyPeerStatic(hs *noise.HandshakeState, discoveryID string) error {
	want, err := staticKeyOf(discoveryID)
	if err != nil {
		return err
	}
	if !bytes.Equal(hs.PeerStatic(), want) {
		return fmt.Errorf("%w: %s", ErrIdentityMismatch, discoveryID)
	}
	return nil
}
