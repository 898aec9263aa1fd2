package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/xmldb/internal/version"
)

func newVersionCommand() *cobra.Command {
	var (
		onlyVersion bool
		semver      bool
	)
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the xmldb version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case onlyVersion:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			case semver:
				_, err := fmt.Fprintln(out, version.Semver())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version string")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only vMAJOR.MINOR.PATCH")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
