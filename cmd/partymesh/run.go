package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/partymesh"
	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport/lan"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runName      string
	runHTTPAddr  string
	runPartySize int
	runBeacons   []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join a party on the local network",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().StringVarP(&runName, "name", "n", "", "display name (defaults to the stored one)")
	runCmd.Flags().StringVar(&runHTTPAddr, "http", "127.0.0.1:8650", "status API address, empty to disable")
	runCmd.Flags().IntVarP(&runPartySize, "party-size", "p", 0, "party size, self included")
	runCmd.Flags().StringSliceVar(&runBeacons, "beacon", nil, "extra beacon target host:port")
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	if runPartySize > 0 {
		opts.MaxPartySize = runPartySize
	}

	store, closeStore, err := openStore(opts.Identity)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := identity.LoadOrCreate(store, runName)
	if err != nil {
		return err
	}
	name := rec.DisplayName
	if runName != "" {
		name = runName
	}
	rec.DisplayName = name

	keys, err := crypto.FromSecretKey(rec.SecretKey)
	if err != nil {
		return err
	}
	adapter, err := lan.New(lan.Config{
		DisplayName:    name,
		Keys:           keys,
		ListenAddr:     opts.LAN.ListenAddr,
		BeaconPort:     opts.LAN.BeaconPort,
		BeaconInterval: opts.LAN.BeaconInterval,
	})
	if err != nil {
		return err
	}
	for _, b := range runBeacons {
		adapter.AddBeaconTarget(b)
	}

	session, err := partymesh.New(adapter, rec, opts)
	if err != nil {
		adapter.Close()
		return err
	}

	status := newStatusServer(session)
	session.OnPeerUpdated(func(u peer.Update) {
		logrus.WithFields(logrus.Fields{
			"peer":  u.Peer.DisplayName,
			"id":    u.Peer.StableID.Short(),
			"state": u.State.String(),
		}).Info("Peer update")
	})
	session.OnHostUpdated(func(p *peer.Peer) {
		if p == nil {
			logrus.Info("No host")
			return
		}
		logrus.WithField("host", p.DisplayName).Info("Host changed")
	})
	session.OnReset(func(reason error) {
		logrus.WithError(reason).Warn("Session reset")
	})
	session.Subscribe(router.Wildcard, status.record)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		adapter.Close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) listening on %s\n", name, rec.ID.Short(), adapter.Addr())

	var srv *http.Server
	if runHTTPAddr != "" {
		srv = &http.Server{
			Addr:              runHTTPAddr,
			Handler:           status.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Status API stopped")
			}
		}()
	}

	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return session.Stop()
}
