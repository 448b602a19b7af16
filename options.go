package partymesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/limits"
)

// ErrInvalidOptions indicates Options that cannot run a session.
var ErrInvalidOptions = errors.New("invalid options")

// Options contains session configuration.
type Options struct {
	// MaxPartySize is the number of devices in a full party, self included.
	MaxPartySize int

	InviteTimeout     time.Duration
	InviteBackoff     time.Duration
	MaxInviteAttempts int
	KeepaliveTimeout  time.Duration

	// HostRequeryDelay is the wait before re-asking an inconsistent host
	// announcer.
	HostRequeryDelay time.Duration

	VerifyTimeout time.Duration
	VerifyRetries int
	// AutoVerify starts group verification as soon as the party is full.
	AutoVerify bool

	Logging  LoggingOptions
	LAN      LANOptions
	Identity IdentityOptions

	// TimeProvider overrides wall time for tests. Nil means wall time.
	TimeProvider crypto.TimeProvider
}

// LoggingOptions selects the logrus level and formatter.
type LoggingOptions struct {
	Level  string
	Format string // "text" or "json"
}

// LANOptions configures the LAN transport used by the command line node.
type LANOptions struct {
	BeaconPort     int
	ListenAddr     string
	BeaconInterval time.Duration
}

// IdentityOptions selects where the durable identity lives.
type IdentityOptions struct {
	Store string // "file" or "sqlite"
	Path  string
}

// NewOptions returns the default options for a four-player party.
func NewOptions() *Options {
	return &Options{
		MaxPartySize:      limits.MaxPartySize,
		InviteTimeout:     10 * time.Second,
		InviteBackoff:     3 * time.Second,
		MaxInviteAttempts: 3,
		KeepaliveTimeout:  5 * time.Second,
		HostRequeryDelay:  500 * time.Millisecond,
		VerifyTimeout:     5 * time.Second,
		VerifyRetries:     3,
		AutoVerify:        true,
		Logging: LoggingOptions{
			Level:  "info",
			Format: "text",
		},
		LAN: LANOptions{
			BeaconPort:     33450,
			ListenAddr:     ":0",
			BeaconInterval: time.Second,
		},
		Identity: IdentityOptions{
			Store: "file",
			Path:  "identity.json",
		},
	}
}

// Validate reports the first setting that cannot work.
func (o *Options) Validate() error {
	if err := limits.ValidatePartySize(o.MaxPartySize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if o.InviteTimeout <= o.InviteBackoff {
		return fmt.Errorf("%w: invite timeout %v must exceed backoff %v", ErrInvalidOptions, o.InviteTimeout, o.InviteBackoff)
	}
	if o.MaxInviteAttempts < 1 {
		return fmt.Errorf("%w: max invite attempts %d", ErrInvalidOptions, o.MaxInviteAttempts)
	}
	if o.KeepaliveTimeout <= 0 || o.VerifyTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	switch o.Identity.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: identity store %q", ErrInvalidOptions, o.Identity.Store)
	}
	return nil
}
