package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/introspection"
	"github.com/google/uuid"

	"github.com/aretw0/strata/pkg/blobs"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/dataset"
	"github.com/aretw0/strata/pkg/replication"
	"github.com/aretw0/strata/pkg/schema"
)

// Exists reports whether root holds an initialized dataset.
func Exists(root string, opts ...Option) bool {
	o := buildOptions(opts)
	p := Layout(root, o.systemDir)
	for _, path := range []string{p.System, p.Store, p.Schema, p.Config} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Init creates a dataset at root and opens it. It fails with core.ErrExists
// if one is already there.
func Init(ctx context.Context, root string, opts ...Option) (*dataset.Dataset, error) {
	o := buildOptions(opts)
	if err := initLayout(root, o, ""); err != nil {
		return nil, err
	}
	return Open(ctx, root, opts...)
}

func initLayout(root string, o *options, origin string) error {
	if !HasBackend(o.backend) {
		return fmt.Errorf("unknown backend %q (available: %v)", o.backend, Backends())
	}
	p := Layout(root, o.systemDir)
	if _, err := os.Stat(p.Config); err == nil {
		return fmt.Errorf("%w: %s", core.ErrExists, p.System)
	}

	for _, dir := range []string{p.System, p.Store, p.Objects} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := schema.New(p.Schema, o.logger).Save(); err != nil {
		return err
	}
	cfg := Config{
		ID:      uuid.NewString(),
		Backend: o.backend,
		Created: time.Now().UTC().Truncate(time.Second),
		Origin:  origin,
	}
	if err := writeConfig(p.Config, cfg); err != nil {
		return err
	}
	logger(o).Debug("dataset initialized", "path", p.System, "backend", cfg.Backend, "id", cfg.ID)
	return nil
}

// Open opens the dataset at root with the backend recorded in its config.
func Open(ctx context.Context, root string, opts ...Option) (*dataset.Dataset, error) {
	o := buildOptions(opts)
	log := logger(o)
	p := Layout(root, o.systemDir)
	if !Exists(root, opts...) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotInitialized, p.System)
	}

	cfg, err := readConfig(p.Config)
	if err != nil {
		return nil, err
	}

	reg := schema.New(p.Schema, log)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	bs := o.blobs
	if bs == nil {
		var bopts []blobs.Option
		bopts = append(bopts, blobs.WithLogger(log))
		if o.hasher != nil {
			bopts = append(bopts, blobs.WithHasher(o.hasher))
		}
		if bs, err = blobs.New(p.Objects, bopts...); err != nil {
			return nil, err
		}
	}

	engine := o.engine
	backend := cfg.Backend
	if engine == nil {
		if engine, err = openEngine(cfg.Backend, p.Store, log); err != nil {
			return nil, err
		}
	} else {
		backend = "custom"
		if comp, ok := engine.(introspection.Component); ok {
			backend = comp.ComponentType()
		}
	}

	return dataset.New(ctx, dataset.Config{
		ID:          cfg.ID,
		Root:        root,
		Backend:     backend,
		Engine:      engine,
		Blobs:       bs,
		Schema:      reg,
		WatchSchema: o.watchSchema,
		HTTPClient:  o.httpClient,
		Logger:      log,
	})
}

// Destroy removes the dataset at root. The dataset must not be open.
func Destroy(root string, opts ...Option) error {
	o := buildOptions(opts)
	p := Layout(root, o.systemDir)
	if _, err := os.Stat(p.System); err != nil {
		return fmt.Errorf("%w: %s", core.ErrNotInitialized, p.System)
	}
	if err := os.RemoveAll(p.System); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", p.System, err)
	}
	return nil
}

// Clone initializes a dataset at root and pulls remote into it once.
// A failed clone leaves nothing behind.
func Clone(ctx context.Context, remote, root string, opts ...Option) (*dataset.Dataset, error) {
	o := buildOptions(opts)
	if remote == "" {
		return nil, errors.New("clone requires a remote")
	}
	if err := initLayout(root, o, remote); err != nil {
		return nil, err
	}

	ds, err := Open(ctx, root, opts...)
	if err != nil {
		_ = Destroy(root, opts...)
		return nil, err
	}

	st, err := ds.Pull(ctx, remote, replication.PullOptions{})
	if err == nil {
		err = st.Wait()
	}
	if err != nil {
		_ = ds.Close()
		_ = Destroy(root, opts...)
		return nil, fmt.Errorf("failed to clone %s: %w", remote, err)
	}
	logger(o).Info("dataset cloned", "remote", remote, "path", root)
	return ds, nil
}

// SetBackend records a different engine for the dataset at root. The store
// must still be empty; data is never migrated between engines.
func SetBackend(root, name string, opts ...Option) error {
	o := buildOptions(opts)
	if !HasBackend(name) {
		return fmt.Errorf("unknown backend %q (available: %v)", name, Backends())
	}
	p := Layout(root, o.systemDir)
	cfg, err := readConfig(p.Config)
	if err != nil {
		return err
	}
	if cfg.Backend == name {
		return nil
	}
	entries, err := os.ReadDir(p.Store)
	if err != nil {
		return fmt.Errorf("failed to inspect store: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("cannot switch backend from %s to %s: store is not empty", cfg.Backend, name)
	}
	cfg.Backend = name
	return writeConfig(p.Config, cfg)
}

func logger(o *options) *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}
