package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infrasense/labfarm/pkg/syncloop"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	syncActor string
	syncOnce  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a polling loop for one actor",
	Long: `Poll the shared store as the given actor, releasing expired
reservations and completing overdue jobs on every pass. Each pass logs the
actor's view.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncActor, "actor", "", "user id whose view is built")
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single pass and exit")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := svc.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop service")
		}
	}()

	loop := svc.SyncLoop(syncActor, logSnapshot)

	if syncOnce {
		if _, err := loop.RunOnce(ctx); err != nil {
			return fmt.Errorf("running sync pass: %w", err)
		}

		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("starting sync loop: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down sync loop")
	cancel()

	return loop.Stop()
}

func logSnapshot(snap syncloop.Snapshot) {
	fields := logrus.Fields{
		"boards":    len(snap.Boards),
		"jobs":      len(snap.Jobs),
		"expired":   snap.Expired,
		"completed": snap.Completed,
	}

	if snap.Actor != nil {
		fields["actor"] = snap.Actor.ID
		fields["unread"] = snap.Unread
	}

	log.WithFields(fields).Info("Sync pass")
}
