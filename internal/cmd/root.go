// Package cmd holds the meshwire CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for meshwire.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "meshwire",
		Short:         "Meshwire — secure agent-to-agent messaging node",
		Long:          "Meshwire runs a messaging node that exchanges authenticated, encrypted, priority-ordered messages with peer agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "meshwire.json", "path to config file")

	return root
}
