package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "crmsyncd",
	Short: "Change distribution and incremental sync server for CRM records",
	Long: `crmsyncd serves the CRM sync engine: it pushes committed record
mutations live to connected WebSocket clients scoped by ownership and role,
and answers cursor-based delta queries so a client that was offline can
reconcile its local copy.

Push delivery is best-effort; the pull endpoint is the authoritative
recovery path.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./crmsync.toml)")
}
