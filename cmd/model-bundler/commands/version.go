package commands

import "github.com/spf13/cobra"

var Version = "dev"

func newVersionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Short: "Show the model bundler version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("model-bundler version %s\n", Version)
		},
		ValidArgsFunction: noComplete,
	}
	return c
}
