package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/perivale/ledgersync/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	var refreshToken string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a Books API refresh token and verify it",
		Long: "Stores the refresh token (from the Books developer console grant flow)\n" +
			"and exchanges it once to verify the client credentials work.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd.Context(), refreshToken)
		},
	}

	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token (prompted if omitted)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := tokenfile.Remove(cfg.API.TokenPath); err != nil {
				return err
			}

			statusf("Logged out.\n")

			return nil
		},
	}
}

func runLogin(ctx context.Context, refreshToken string) error {
	logger := buildLogger(cfg)

	if cfg.API.ClientID == "" || cfg.API.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret must be set in the config file before login")
	}

	if refreshToken == "" {
		// Token prompts must always be visible — not suppressed by --quiet.
		fmt.Fprint(os.Stderr, "Refresh token: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading refresh token: %w", err)
		}

		refreshToken = strings.TrimSpace(line)
	}

	if refreshToken == "" {
		return fmt.Errorf("no refresh token provided")
	}

	// Exchange once so a bad token fails here, not on the first sync.
	tok, err := oauthConfig(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return fmt.Errorf("verifying refresh token: %w", err)
	}

	// Some token endpoints omit the refresh token from the exchange
	// response; keep the one the user supplied.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	if err := tokenfile.Save(cfg.API.TokenPath, &tokenfile.File{Token: tok}); err != nil {
		return err
	}

	logger.Info("login successful", "token_path", cfg.API.TokenPath)
	statusf("Login successful.\n")

	return nil
}
