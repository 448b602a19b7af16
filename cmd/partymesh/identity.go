package main

import (
	"fmt"

	"github.com/opd-ai/partymesh/identity"
	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show or replace the durable identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored identity, creating one if none exists",
	RunE:  runIdentityShow,
}

var identityResetCmd = &cobra.Command{
	Use:   "reset [display-name]",
	Short: "Replace the stored identity with a new one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIdentityReset,
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityResetCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	return withStore(func(store identity.Store) error {
		rec, err := identity.LoadOrCreate(store, "")
		if err != nil {
			return err
		}
		printIdentity(cmd, rec)
		return nil
	})
}

func runIdentityReset(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	return withStore(func(store identity.Store) error {
		rec, err := identity.Reset(store, name)
		if err != nil {
			return err
		}
		printIdentity(cmd, rec)
		return nil
	})
}

func withStore(fn func(identity.Store) error) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(opts.Identity)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func printIdentity(cmd *cobra.Command, rec *identity.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:      %s\n", rec.ID)
	fmt.Fprintf(out, "Name:    %s\n", rec.DisplayName)
	fmt.Fprintf(out, "Created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
}
