package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/config"
	"brandwriter/jobwatch-service/internal/watch"
)

// ─── login / logout ──────────────────────────────────────────────────────────

// fileCredentials reads and writes only the credentials file, ignoring env overrides.
func (a *app) fileCredentials() *apiclient.StoredCredentials {
	return apiclient.NewStoredCredentials(config.Credentials{File: a.cfg.Credentials.File})
}

func (a *app) loginCommand() *cobra.Command {
	var token, key string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the auth token and Insta API key used for backend calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" && key == "" {
				return &watch.ValidationError{Msg: "--token or --insta-key is required"}
			}
			creds := a.fileCredentials()
			// An omitted flag keeps the stored value.
			if token == "" {
				stored, err := creds.AuthToken()
				if err != nil {
					return err
				}
				token = stored
			}
			if key == "" {
				stored, err := creds.InstaAPIKey()
				if err != nil {
					return err
				}
				key = stored
			}
			if err := creds.Save(token, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "credentials saved to %s\n", a.cfg.Credentials.File)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the main backend")
	cmd.Flags().StringVar(&key, "insta-key", "", "API key for the Insta backend")
	return cmd
}

func (a *app) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.fileCredentials().Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "credentials removed")
			return nil
		},
	}
}

// ─── upload ──────────────────────────────────────────────────────────────────

func (a *app) uploadCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an asset to storage and print its public URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			fh, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer fh.Close()

			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(path))
			}
			if ct == "" {
				ct = "application/octet-stream"
			}

			ctx := cmd.Context()
			assets := a.client().Assets
			p, err := assets.Presign(ctx, filepath.Base(path), ct)
			if err != nil {
				return err
			}
			if err := assets.Upload(ctx, p, ct, fh); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.FileURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (default from the file extension)")
	return cmd
}
