package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/docker/model-bundler/pkg/config"
	"github.com/docker/model-bundler/pkg/logging"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
}

func NewRootCmd() *cobra.Command {
	var opts globalOptions
	rootCmd := &cobra.Command{
		Use:          "model-bundler",
		Short:        "Bundle generated inference code with trained model weights",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to an HCL configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(
		newVersionCmd(),
		newNameCmd(),
		newBundleCmd(&opts),
		newInspectCmd(),
		newWeightsCmd(&opts),
	)
	return rootCmd
}

// load resolves the configuration and creates a logger writing to the
// command's stderr. Only warnings are logged unless debugging is enabled.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetLevel(logrus.WarnLevel)
	if o.debug || cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return cfg, log, nil
}

func noComplete(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return nil, cobra.ShellCompDirectiveNoFileComp
}
