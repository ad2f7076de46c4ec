package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forensicseal/internal/config"
	"forensicseal/internal/signer"
)

func newInitCmd(g *globals) *cobra.Command {
	var withKey bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file, data directories and journal secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, g, withKey)
		},
	}
	cmd.Flags().BoolVar(&withKey, "signing-key", false, "also generate an Ed25519 custodian key")
	return cmd
}

func runInit(cmd *cobra.Command, g *globals, withKey bool) error {
	out := cmd.OutOrStdout()
	path := g.configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Created config:   %s\n", path)
	} else {
		fmt.Fprintf(out, "Using config:     %s\n", path)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if cfg.Journal.Enabled && cfg.Journal.SecretFile != "" {
		made, err := writeSecret(cfg.Journal.SecretFile)
		if err != nil {
			return err
		}
		if made {
			fmt.Fprintf(out, "Journal secret:   %s\n", cfg.Journal.SecretFile)
		}
	}

	if withKey {
		pub, err := signer.GenerateKeyFiles(cfg.Signing.KeyPath, "forensicseal custodian")
		switch {
		case errors.Is(err, os.ErrExist):
			fmt.Fprintf(out, "Signing key:      %s (kept existing)\n", cfg.Signing.KeyPath)
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "Signing key:      %s\n", cfg.Signing.KeyPath)
			fmt.Fprintf(out, "Public key:       %s\n", hex.EncodeToString(pub))
		}
	}

	fmt.Fprintf(out, "Database:         %s\n", cfg.Storage.DatabasePath)
	fmt.Fprintf(out, "Bundles:          %s\n", cfg.Export.OutputDir)
	fmt.Fprintf(out, "Inbox:            %s\n", cfg.Watch.Inbox)
	return nil
}

// writeSecret creates a random journal secret unless one already exists.
func writeSecret(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("create secret directory: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate journal secret: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return false, fmt.Errorf("write journal secret: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(buf) + "\n"); err != nil {
		f.Close()
		return false, fmt.Errorf("write journal secret: %w", err)
	}
	return true, f.Close()
}
