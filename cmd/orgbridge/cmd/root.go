// Package cmd provides the CLI commands for OrgBridge.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orgbridge/orgbridge/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orgbridge",
	Short: "OrgBridge - organization-scoped authorization and tool gateway",
	Long: `OrgBridge lets AI clients act for a user inside exactly one organization.

It issues OAuth-style authorization codes, access tokens and refresh tokens
bound to a grant (user, organization, client), and serves an MCP-style tool
gateway that only accepts those tokens. Grants can be revoked by the user,
by an administrator, or automatically when the user leaves the organization.

Configuration:
  Config is loaded from orgbridge.yaml in the current directory,
  $HOME/.orgbridge/, or /etc/orgbridge/.

  Environment variables override config values with the ORGBRIDGE_ prefix.
  Example: ORGBRIDGE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the server
  stop        Stop the running server
  grants      List or revoke grants in the SQLite store
  hash-key    Hash an admin API key for the config file
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./orgbridge.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
