// Package identity manages the durable per-device identity a session
// advertises.
//
// A device's stable identity is the hex encoded public half of a NaCl key
// pair. It is generated once, persisted through a Store and only rewritten on
// an explicit Reset. Equality of identities, not transport handles, decides
// whether two handles reach the same device.
//
// Example:
//
//	store := identity.NewFileStore("~/.partymesh/identity.json")
//	rec, err := identity.LoadOrCreate(store, "Alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(rec.ID)
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by a Store that holds no record yet.
var ErrNotFound = errors.New("identity record not found")

// ID is a stable identity. IDs order lexicographically.
type ID string

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id < other
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Short returns a log-friendly prefix of the identity.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Record is the single durable record holding the local identity.
type Record struct {
	ID          ID        `json:"id"`
	DisplayName string    `json:"displayName"`
	PublicKey   [32]byte  `json:"publicKey"`
	SecretKey   [32]byte  `json:"secretKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists a Record.
type Store interface {
	// Load returns the stored record or ErrNotFound.
	Load() (*Record, error)
	// Save replaces the stored record.
	Save(rec *Record) error
}

// Generate creates a fresh identity with a new key pair.
func Generate(displayName string) (*Record, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          ID(kp.PublicHex()),
		DisplayName: displayName,
		PublicKey:   kp.Public,
		SecretKey:   kp.Private,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Validate checks that the record's ID matches its key material.
func (r *Record) Validate() error {
	kp, err := crypto.FromSecretKey(r.SecretKey)
	if err != nil {
		return fmt.Errorf("identity %s: %w", r.ID.Short(), err)
	}
	if kp.Public != r.PublicKey || ID(kp.PublicHex()) != r.ID {
		return fmt.Errorf("identity %s: id does not match key material", r.ID.Short())
	}
	return nil
}

// LoadOrCreate reads the record from store, generating and saving a new one
// when none exists. A non-empty displayName that differs from the stored one
// is not written back; use Reset for that.
func LoadOrCreate(store Store, displayName string) (*Record, error) {
	rec, err := store.Load()
	if err == nil {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreate",
			"id":       rec.ID.Short(),
			"name":     rec.DisplayName,
		}).Debug("Loaded stored identity")
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	return Reset(store, displayName)
}

// Reset generates a new identity and overwrites the stored record.
func Reset(store Store, displayName string) (*Record, error) {
	rec, err := Generate(displayName)
	if err != nil {
		return nil, err
	}
	if err := store.Save(rec); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"id":       rec.ID.Short(),
		"name":     rec.DisplayName,
	}).Info("Generated new identity")

	return rec, nil
}
