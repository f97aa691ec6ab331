package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/stagecache/cache"
	"github.com/c360studio/stagecache/eventlog"
	"github.com/c360studio/stagecache/pipeline"
)

// Runtime bundles the objects wired from a Config: an opened file store, the
// processor consulting it, and whatever event sink the config selected. It is
// explicitly constructed and injectable; there is no process-wide singleton.
// Open it at batch start, Close it when the batch is done.
type Runtime struct {
	Store     *cache.FileStore
	Processor *pipeline.Processor

	closers []func() error
}

// Open wires a Runtime from the configuration.
func Open(cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{}

	store, err := cache.OpenFileStore(cfg.Cache.Dir,
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithStoreLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	rt.Store = store

	sink, err := rt.openSink(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	processor, err := pipeline.NewProcessor(store, cfg.Pipeline.CheckpointDir,
		pipeline.WithSink(sink),
		pipeline.WithLogger(logger),
		pipeline.WithJobTimeout(cfg.Pipeline.JobTimeout))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Processor = processor

	return rt, nil
}

// OpenDefault resolves the layered configuration (defaults, then the user
// config, then the project config) and wires a Runtime from it.
func OpenDefault(logger *slog.Logger) (*Runtime, error) {
	cfg, err := NewLoader(logger).Load()
	if err != nil {
		return nil, err
	}
	return Open(cfg, logger)
}

// openSink selects the event sink the config asks for: a JSONL file, a NATS
// subject, or nothing.
func (rt *Runtime) openSink(cfg *Config, logger *slog.Logger) (eventlog.Sink, error) {
	switch {
	case cfg.Events.Path != "":
		sink, err := eventlog.OpenFileSink(cfg.Events.Path)
		if err != nil {
			return nil, fmt.Errorf("open event file sink: %w", err)
		}
		rt.closers = append(rt.closers, sink.Close)
		return sink, nil

	case cfg.Events.NATSURL != "":
		nc, err := nats.Connect(cfg.Events.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			nc.Close()
			return nil
		})
		sink, err := eventlog.NewNATSSink(nc, cfg.Events.Subject, eventlog.WithNATSLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create NATS sink: %w", err)
		}
		return sink, nil

	default:
		return eventlog.NopSink{}, nil
	}
}

// Close releases every resource the Runtime opened.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
