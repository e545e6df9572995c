package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eraykaradag/kriptofs/internal/kriptofs"
)

var (
	flagAutoUnmount bool
	flagAllowRoot   bool
	flagLogFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "kriptofs MOUNT_POINT",
	Short: "An in-memory, encrypting FUSE filesystem.",
	Args:  cobra.ExactArgs(1),
	RunE:  runMount,
}

func init() {
	rootCmd.Flags().BoolVar(&flagAutoUnmount, "auto_unmount", false,
		"Unmount automatically when the mounting process exits.")
	rootCmd.Flags().BoolVar(&flagAllowRoot, "allow-root", false,
		"Allow root to access files on this filesystem.")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "text",
		"Log output format: text or json.")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("kripto")
	viper.AutomaticEnv()
}

// Execute runs the root command, exiting the process on error the way
// cobra-based CLIs conventionally do.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	if err := kriptofs.SetFormat(flagLogFormat); err != nil {
		return err
	}
	log := kriptofs.Logger()

	secret := viper.GetString("pass")
	if secret == "" {
		return fmt.Errorf("KRIPTO_PASS must be set")
	}

	cryptor, err := kriptofs.NewCryptor(secret)
	if err != nil {
		return fmt.Errorf("NewCryptor: %w", err)
	}

	fsys := kriptofs.NewFileSystem(timeutil.RealClock(), cryptor)
	server := fuseutil.NewFileSystemServer(fsys)

	// TODO(kriptofs): auto_unmount and allow-root have no passthrough in
	// this MountConfig generation (it exposes only EnableVnodeCaching, an
	// OS X entry-caching knob) — wire them through once the transport
	// dependency exposes raw bazilfuse mount options.
	log.Info("mounting",
		"mount_point", mountPoint,
		"auto_unmount", flagAutoUnmount,
		"allow_root", flagAllowRoot,
	)

	cfg := &fuse.MountConfig{}

	mfs, err := fuse.Mount(mountPoint, server, cfg)
	if err != nil {
		return fmt.Errorf("Mount: %w", err)
	}

	log.Info("mounted, waiting for unmount", "mount_point", mountPoint)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("Join: %w", err)
	}

	return nil
}
