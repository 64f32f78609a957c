package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gridfall",
	Short: "Gridfall - authoritative turn-based tactics server",
	Long: `Gridfall runs authoritative multiplayer sessions for a turn-based
tactics game: lobbies, turn scheduling, DM tooling, and reconnectable
websocket clients, backed by SQLite.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (defaults apply when omitted)")
}
