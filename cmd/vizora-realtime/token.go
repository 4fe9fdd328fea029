package main

import (
	"fmt"
	"time"

	"vizora-realtime/internal/auth"
	"vizora-realtime/internal/config"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a device or dashboard token",
	Example: `  vizora-realtime token --device dev-1 --org org-1
  vizora-realtime token --user user-1 --org org-1 --role admin --email ops@example.com`,
	RunE: runToken,
}

var tokenFlags struct {
	device     string
	identifier string
	user       string
	email      string
	role       string
	org        string
	ttl        time.Duration
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.device, "device", "", "device id (mints a device token)")
	f.StringVar(&tokenFlags.identifier, "identifier", "", "device identifier claim")
	f.StringVar(&tokenFlags.user, "user", "", "user id (mints a dashboard token)")
	f.StringVar(&tokenFlags.email, "email", "", "user email claim")
	f.StringVar(&tokenFlags.role, "role", "viewer", "user role claim")
	f.StringVar(&tokenFlags.org, "org", "", "organization id")
	f.DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagsMutuallyExclusive("device", "user")
	tokenCmd.MarkFlagsOneRequired("device", "user")
	_ = tokenCmd.MarkFlagRequired("org")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var token string
	if tokenFlags.device != "" {
		if cfg.Auth.DeviceJWTSecret == "" {
			return fmt.Errorf("DEVICE_JWT_SECRET is not set")
		}
		token, err = auth.IssueDeviceToken(cfg.Auth.DeviceJWTSecret, tokenFlags.device, tokenFlags.identifier, tokenFlags.org, tokenFlags.ttl)
	} else {
		if cfg.Auth.UserJWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		token, err = auth.IssueUserToken(cfg.Auth.UserJWTSecret, tokenFlags.user, tokenFlags.email, tokenFlags.org, tokenFlags.role, tokenFlags.ttl)
	}
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
