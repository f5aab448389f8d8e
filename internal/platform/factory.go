package platform

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/aretw0/strata/pkg/adapters/badger"
	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/adapters/pebble"
	"github.com/aretw0/strata/pkg/core"
)

// DefaultBackend is the engine new datasets use.
const DefaultBackend = "badger"

// EngineFactory opens an engine whose files live in dir.
type EngineFactory func(dir string, logger *slog.Logger) (core.Engine, error)

var engines = map[string]EngineFactory{
	"badger": func(dir string, logger *slog.Logger) (core.Engine, error) {
		return badger.Open(badger.Config{Path: dir, Logger: logger})
	},
	"pebble": func(dir string, logger *slog.Logger) (core.Engine, error) {
		return pebble.Open(pebble.Config{Path: dir, Logger: logger})
	},
	"memory": func(string, *slog.Logger) (core.Engine, error) {
		return memory.New(), nil
	},
}

// Backends lists the engines a dataset can be created with.
func Backends() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasBackend reports whether name is a registered engine.
func HasBackend(name string) bool {
	_, ok := engines[name]
	return ok
}

func openEngine(name, dir string, logger *slog.Logger) (core.Engine, error) {
	factory, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Backends())
	}
	return factory(dir, logger)
}
