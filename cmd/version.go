package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at link time with -ldflags "-X github.com/wehubfusion/Conduit/cmd.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewVersionCommand returns the command to get the conduit version
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the Conduit version",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(command.OutOrStdout(), "Conduit Version %s Date %s commit id %s\n", Version, Date, Commit)
			return err
		},
	}
}
