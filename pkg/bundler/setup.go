package bundler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/docker/model-bundler/pkg/codegen"
	"github.com/docker/model-bundler/pkg/config"
	"github.com/docker/model-bundler/pkg/logging"
	"github.com/docker/model-bundler/pkg/weights"
)

// OpenStore opens the weight store selected by the configuration: the OCI
// repository if one is set, the local store otherwise.
func OpenStore(log logging.Logger, cfg *config.Config) (weights.ReadWriter, error) {
	if cfg.WeightsRepository != "" {
		store, err := weights.NewRegistryStore(cfg.WeightsRepository,
			weights.WithAuthConfig(cfg.WeightsUsername, cfg.WeightsPassword),
		)
		if err != nil {
			return nil, err
		}
		log.Infof("Using weight repository %s", store.Repository())
		return store, nil
	}
	store, err := weights.NewLocalStore(cfg.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("open weight store: %w", err)
	}
	log.Infof("Using weight store %s", store.RootPath())
	return store, nil
}

// NewFromConfig wires a Bundler from the configuration.
func NewFromConfig(log logging.Logger, cfg *config.Config) (*Bundler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := OpenStore(log.WithFields(logrus.Fields{"component": "weights"}), cfg)
	if err != nil {
		return nil, err
	}
	generator, err := codegen.NewProcess(log.WithFields(logrus.Fields{"component": "codegen"}), cfg.GeneratorCommand, cfg.GeneratorTimeout)
	if err != nil {
		return nil, err
	}
	return New(log.WithFields(logrus.Fields{"component": "bundler"}), generator, store, Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		KeepWorkspace: cfg.KeepWorkspace,
		Format:        cfg.Format,
	}), nil
}
