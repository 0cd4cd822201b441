// keyctl is the operator CLI for the license gateway: it generates
// content keys, inspects the key store, and drives the external
// packager. Key regeneration is an out-of-band administrative action;
// a running gateway picks the new record up through its store watch.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/clearkey-license-gateway/internal/keys"
	"github.com/kenneth/clearkey-license-gateway/internal/packager"
)

const version = "1.0.0"

var keyStorePath string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "ClearKey license gateway operator CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if keyStorePath == "" {
				keyStorePath = os.Getenv("LICENSE_KEYSTORE_PATH")
			}
			if keyStorePath == "" {
				keyStorePath = "encryption.json"
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&keyStorePath, "keystore", "", "Key store path (or set LICENSE_KEYSTORE_PATH)")

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl version %s\n", version)
		},
	}
}

// generateCmd creates a fresh key record and persists it, superseding
// any previous record.
func generateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new content key and key ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := keys.NewFileStore(keyStorePath)

			if !force {
				if _, err := store.Load(); err == nil {
					return fmt.Errorf("key store %s already exists; media packaged under the current key becomes undecryptable after regeneration, pass --force to overwrite", keyStorePath)
				}
			}

			record, err := keys.Generate()
			if err != nil {
				return err
			}

			location, err := store.Save(record)
			if err != nil {
				return err
			}

			fmt.Printf("Key record written to %s\n", location)
			fmt.Printf("  kid (hex):       %s\n", record.KID.Hex)
			fmt.Printf("  key (hex):       %s\n", record.Key.Hex)
			fmt.Printf("  kid (base64url): %s\n", record.KID.Base64URL)
			fmt.Printf("  key (base64url): %s\n", record.Key.Base64URL)
			fmt.Println()
			fmt.Println("Packager input (hex):")
			fmt.Printf("  --keys label=:key_id=%s:key=%s\n", record.KID.Hex, record.Key.Hex)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key store")
	return cmd
}

// inspectCmd loads the record, runs the cross-encoding integrity
// check, and prints the encodings.
func inspectCmd() *cobra.Command {
	var showKey bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load and verify the stored key record",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := keys.NewFileStore(keyStorePath)
			record, err := store.Load()
			if err != nil {
				return err
			}

			fmt.Printf("Key store: %s\n", keyStorePath)
			fmt.Printf("  generated: %s\n", record.GeneratedAt.Format(time.RFC3339))
			fmt.Printf("  kid (hex):       %s\n", record.KID.Hex)
			fmt.Printf("  kid (base64url): %s\n", record.KID.Base64URL)
			if showKey {
				fmt.Printf("  key (hex):       %s\n", record.Key.Hex)
				fmt.Printf("  key (base64url): %s\n", record.Key.Base64URL)
			} else {
				fmt.Printf("  key: (hidden, pass --show-key to print)\n")
			}
			fmt.Println("Integrity check passed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKey, "show-key", false, "Print the content key")
	return cmd
}

// packageCmd runs the external packaging tool against the stored
// record.
func packageCmd() *cobra.Command {
	var (
		binary   string
		input    string
		output   string
		manifest string
		scheme   string
		timeout  time.Duration
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Encrypt media with the stored key via the external packager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				return fmt.Errorf("--input is required")
			}

			store := keys.NewFileStore(keyStorePath)
			record, err := store.Load()
			if err != nil {
				return err
			}

			req := packager.Request{
				Input:          input,
				Record:         record,
				Scheme:         scheme,
				OutputMedia:    output,
				OutputManifest: manifest,
			}

			if dryRun {
				fmt.Printf("%s %s\n", binary, strings.Join(packager.Args(req), " "))
				return nil
			}

			logger := logrus.New()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := packager.New(binary, logger).Run(ctx, req); err != nil {
				return err
			}

			fmt.Printf("Packaged %s -> %s (manifest %s)\n", input, output, manifest)
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "packager", "Packager executable")
	cmd.Flags().StringVar(&input, "input", "", "Source media file (required)")
	cmd.Flags().StringVar(&output, "output", "video_encrypted.mp4", "Encrypted media output path")
	cmd.Flags().StringVar(&manifest, "manifest", "manifest.mpd", "DASH manifest output path")
	cmd.Flags().StringVar(&scheme, "scheme", packager.SchemeCENC, "Protection scheme")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Packaging timeout")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the packager command without running it")
	cmd.MarkFlagRequired("input")
	return cmd
}
