package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/docker/model-bundler/pkg/archive"
	"github.com/docker/model-bundler/pkg/bundler"
)

type bundleOptions struct {
	id            string
	architecture  string
	output        string
	format        string
	keepWorkspace bool
}

func newBundleCmd(global *globalOptions) *cobra.Command {
	var opts bundleOptions

	c := &cobra.Command{
		Use:   "bundle --id <id> --architecture <file|-> [--output <file>] [--format zip|tar.gz] [--keep-workspace]",
		Short: "Generate inference code for a model and bundle it with the model weights",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf(
					"'model-bundler bundle' accepts no arguments.\n\n"+
						"Usage:  %s\n\n"+
						"See 'model-bundler bundle --help' for more information",
					cmd.Use,
				)
			}
			if opts.id == "" {
				return errors.New(
					"model id is required.\n\n" +
						"See 'model-bundler bundle --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bundleModel(cmd, global, opts); err != nil {
				cmd.PrintErrln("Failed to bundle model")
				return err
			}
			return nil
		},
		ValidArgsFunction: noComplete,
	}

	c.Flags().StringVar(&opts.id, "id", "", "model identifier (required)")
	c.Flags().StringVar(&opts.architecture, "architecture", "-", "architecture description file, or - for stdin")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default model-<id>.<format> in the working directory)")
	c.Flags().StringVar(&opts.format, "format", "", "archive format: zip or tar.gz")
	c.Flags().BoolVar(&opts.keepWorkspace, "keep-workspace", false, "keep the generated workspace for debugging")
	return c
}

func bundleModel(cmd *cobra.Command, global *globalOptions, opts bundleOptions) error {
	cfg, log, err := global.load(cmd)
	if err != nil {
		return err
	}
	if opts.format != "" {
		if cfg.Format, err = archive.ParseFormat(opts.format); err != nil {
			return err
		}
	}
	cfg.KeepWorkspace = cfg.KeepWorkspace || opts.keepWorkspace

	architecture, err := readArchitecture(cmd.InOrStdin(), opts.architecture)
	if err != nil {
		return err
	}

	b, err := bundler.NewFromConfig(log, cfg)
	if err != nil {
		return err
	}

	display := newProgressDisplay(cmd.ErrOrStderr())
	bundle, err := b.CreateBundle(cmd.Context(), bundler.Model{ID: opts.id, Architecture: architecture},
		bundler.WithProgress(display))
	display.Finish()
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		output = bundle.FileName(opts.id)
	}
	if err := writeFileAtomic(output, bundle.Data); err != nil {
		return err
	}
	cmd.PrintErrf("Wrote %s (%s, %d files)\n", output, units.HumanSize(float64(len(bundle.Data))), len(bundle.Files))
	fmt.Fprintln(cmd.OutOrStdout(), bundle.Digest)
	return nil
}

// readArchitecture reads the architecture description from a file, or from
// stdin when path is "-".
func readArchitecture(stdin io.Reader, path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read architecture: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("read architecture: not a valid JSON document")
	}
	return data, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".incomplete-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
