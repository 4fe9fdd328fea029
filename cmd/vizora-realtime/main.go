package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "vizora-realtime",
		Short: "Realtime control plane for Vizora displays",
		Long: `Realtime gateway for Vizora display devices:
- serve: accept device and dashboard socket connections, process heartbeats
  and push playlists, commands and content
- token: mint a device or dashboard token for provisioning and debugging`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file; environment variables take precedence")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
