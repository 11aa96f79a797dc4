package factory

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// WriterFactory creates an audit writer from the persistence config.
type WriterFactory func(cfg config.PersistenceConfig, log *logrus.Logger) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// NewWriter creates the writer named by cfg.Writer.
func NewWriter(cfg config.PersistenceConfig, log *logrus.Logger) (model.Writer, error) {
	factory, ok := registry[cfg.Writer]
	if !ok {
		return nil, fmt.Errorf("unknown writer type: '%s' (registered: %v)", cfg.Writer, Writers())
	}
	w, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("error creating writer type '%s': %w", cfg.Writer, err)
	}
	log.WithField("writer", cfg.Writer).Info("Audit writer created")
	return w, nil
}

// Writers lists the registered writer types.
func Writers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
