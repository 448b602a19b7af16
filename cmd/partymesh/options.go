package main

import (
	"fmt"

	"github.com/opd-ai/partymesh"
	"github.com/opd-ai/partymesh/identity"
)

// loadOptions reads --config when given and applies the logging section.
func loadOptions() (*partymesh.Options, error) {
	opts := partymesh.NewOptions()
	if configPath != "" {
		var err error
		if opts, err = partymesh.LoadOptions(configPath); err != nil {
			return nil, err
		}
	}
	if err := partymesh.ConfigureLogging(opts.Logging); err != nil {
		return nil, err
	}
	return opts, nil
}

// openStore opens the identity store the options select. The returned close
// function is always safe to call.
func openStore(opts partymesh.IdentityOptions) (identity.Store, func() error, error) {
	switch opts.Store {
	case "file":
		return identity.NewFileStore(opts.Path), func() error { return nil }, nil
	case "sqlite":
		s, err := identity.OpenSQLiteStore(opts.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown identity store %q", opts.Store)
	}
}
