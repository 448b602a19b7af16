// Package crypto provides the key material behind a device's stable identity.
//
// Keys are NaCl crypto_box (Curve25519) pairs generated through Go's x/crypto
// packages. The public half, hex encoded, is what the session layer advertises
// as the device's stable identity.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.PublicHex())
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrZeroKey is returned when a secret key consists only of zero bytes.
var ErrZeroKey = errors.New("invalid secret key: all zeros")

// KeyPair represents a NaCl crypto_box key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from a stored private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicHex returns the lowercase hex encoding of the public key.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
