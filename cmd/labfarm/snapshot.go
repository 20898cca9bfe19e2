package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/infrasense/labfarm/pkg/upload"
	"github.com/spf13/cobra"
)

var (
	snapshotOut    string
	snapshotUpload bool
	resetConfirm   bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export, import and restore lab state",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the full lab state as JSON",
	Long: `Write the full lab state as one JSON document to stdout or --out.
With --upload the document is sent to the configured backup target instead.`,
	Args: cobra.NoArgs,
	RunE: runSnapshotExport,
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace lab state from a JSON document",
	Long: `Validate the document and replace every collection it contains.
Nothing is written when any record is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotImport,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Import the newest snapshot from the backup target",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotRestore,
}

var snapshotResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite lab state with the seed",
	Long: `Replace every collection with the configured seed file, or the
built-in seed when none is set. Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runSnapshotReset,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(
		snapshotExportCmd, snapshotImportCmd, snapshotRestoreCmd, snapshotResetCmd,
	)

	snapshotResetCmd.Flags().BoolVar(&resetConfirm, "yes", false,
		"confirm that all current state is discarded")

	snapshotExportCmd.Flags().StringVar(&snapshotOut, "out", "",
		"output file (default stdout)")
	snapshotExportCmd.Flags().BoolVar(&snapshotUpload, "upload", false,
		"upload to the configured backup target")
}

func runSnapshotExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = svc.Stop() }()

	if snapshotUpload {
		if svc.Backups == nil {
			return fmt.Errorf("no backup target is enabled in config")
		}

		key, err := upload.Backup(ctx, svc.DB, svc.Backups)
		if err != nil {
			return err
		}

		log.WithField("key", key).Info("Snapshot uploaded")

		return nil
	}

	doc, err := svc.DB.Export(ctx)
	if err != nil {
		return fmt.Errorf("exporting state: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if snapshotOut == "" {
		_, err = fmt.Fprintln(os.Stdout, string(data))

		return err
	}

	if err := os.WriteFile(snapshotOut, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", snapshotOut, err)
	}

	log.WithField("file", snapshotOut).Info("Snapshot written")

	return nil
}

func runSnapshotImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	ctx := cmd.Context()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = svc.Stop() }()

	n, err := svc.DB.Import(ctx, data)
	if err != nil {
		return fmt.Errorf("importing %s: %w", args[0], err)
	}

	log.WithField("collections", n).Info("Snapshot imported")

	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = svc.Stop() }()

	if svc.Backups == nil {
		return fmt.Errorf("no backup target is enabled in config")
	}

	key, n, err := upload.Restore(ctx, svc.DB, svc.Backups)
	if err != nil {
		return err
	}

	log.WithField("key", key).WithField("collections", n).Info("Snapshot restored")

	return nil
}

func runSnapshotReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return fmt.Errorf("reset discards all lab state; pass --yes to confirm")
	}

	ctx := cmd.Context()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = svc.Stop() }()

	return svc.Reset(ctx)
}
