package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/model-bundler/pkg/bundler"
	"github.com/docker/model-bundler/pkg/weights"
)

func newNameCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "name MODEL_ID",
		Short: "Print the weight blob name of a model",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'model-bundler name' requires 1 argument.\n\n" +
						"Usage:  model-bundler name MODEL_ID\n\n" +
						"See 'model-bundler name --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (bundler.Model{ID: args[0]}).Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), weights.BlobName(args[0]))
			return nil
		},
		ValidArgsFunction: noComplete,
	}
	return c
}
