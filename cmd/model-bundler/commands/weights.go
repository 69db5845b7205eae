package commands

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/docker/model-bundler/pkg/bundler"
	"github.com/docker/model-bundler/pkg/weights"
)

func newWeightsCmd(global *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "weights",
		Short: "Manage weight blobs in the configured store",
	}
	c.AddCommand(
		newWeightsPushCmd(global),
		newWeightsExistsCmd(global),
		newWeightsRemoveCmd(global),
	)
	return c
}

func newWeightsPushCmd(global *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "push MODEL_ID FILE",
		Short: "Store a serialized weight file as the weight blob of a model",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf(
					"'model-bundler weights push' requires 2 arguments.\n\n" +
						"Usage:  model-bundler weights push MODEL_ID FILE\n\n" +
						"See 'model-bundler weights push --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, path := args[0], args[1]
			if err := (bundler.Model{ID: id}).Validate(); err != nil {
				return err
			}
			cfg, log, err := global.load(cmd)
			if err != nil {
				return err
			}
			store, err := bundler.OpenStore(log, cfg)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}

			name := weights.BlobName(id)
			if err := store.WriteBlob(cmd.Context(), name, f); err != nil {
				cmd.PrintErrln("Failed to push weights")
				return err
			}
			cmd.PrintErrf("Pushed %s (%s)\n", name, units.HumanSize(float64(fi.Size())))
			return nil
		},
		ValidArgsFunction: noComplete,
	}
	return c
}

func newWeightsExistsCmd(global *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "exists MODEL_ID",
		Short: "Check whether the weight blob of a model is present",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'model-bundler weights exists' requires 1 argument.\n\n" +
						"Usage:  model-bundler weights exists MODEL_ID\n\n" +
						"See 'model-bundler weights exists --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (bundler.Model{ID: args[0]}).Validate(); err != nil {
				return err
			}
			cfg, log, err := global.load(cmd)
			if err != nil {
				return err
			}
			store, err := bundler.OpenStore(log, cfg)
			if err != nil {
				return err
			}
			name := weights.BlobName(args[0])
			exists, err := store.Exists(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("weight blob %s not found", name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
		ValidArgsFunction: noComplete,
	}
	return c
}

func newWeightsRemoveCmd(global *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "rm MODEL_ID...",
		Short: "Remove the weight blobs of models from the store",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf(
					"'model-bundler weights rm' requires at least 1 argument.\n\n" +
						"Usage:  model-bundler weights rm MODEL_ID...\n\n" +
						"See 'model-bundler weights rm --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := (bundler.Model{ID: id}).Validate(); err != nil {
					return err
				}
			}
			cfg, log, err := global.load(cmd)
			if err != nil {
				return err
			}
			store, err := bundler.OpenStore(log, cfg)
			if err != nil {
				return err
			}
			for _, id := range args {
				name := weights.BlobName(id)
				if err := store.RemoveBlob(cmd.Context(), name); err != nil {
					cmd.PrintErrf("Failed to remove %s\n", name)
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Removed "+name)
			}
			return nil
		},
		ValidArgsFunction: noComplete,
	}
	return c
}
