package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andrewh/dwell/pkg/config"
	"github.com/andrewh/dwell/pkg/sink"
	"github.com/andrewh/dwell/pkg/tracestate"
)

// backends are the configured store and sink plus their cleanup.
type backends struct {
	store     tracestate.Store
	memory    *tracestate.MemoryStore
	sink      sink.Writer
	forwarder sink.UpdateForwarder
	closers   []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error("closing backend", "error", err)
		}
	}
}

// openBackends opens the store and sink named by cfg. stdout receives
// records when the stdout sink is selected.
func openBackends(ctx context.Context, cfg config.Config, stdout io.Writer, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Store.Kind {
	case config.StoreSQLite:
		st, err := tracestate.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		b.store = st
		b.closers = append(b.closers, st.Close)
	default:
		b.memory = tracestate.NewMemoryStore(cfg.Store.Shards)
		b.store = b.memory
	}

	var out interface {
		sink.Writer
		sink.UpdateForwarder
	}
	switch cfg.Sink.Kind {
	case config.SinkSQLite:
		s, err := sink.OpenSQLite(ctx, cfg.Sink.Path)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		out = s
	case config.SinkPostgres:
		s, err := sink.OpenPostgres(ctx, cfg.Sink.DSN)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		out = s
	case config.SinkStdout:
		out = sink.NewJSONSink(stdout)
	case config.SinkMemory:
		out = sink.NewMemorySink()
	default:
		b.close(logger)
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}

	b.sink = sink.NewRetryWriter(out, sink.RetryOptions{MaxTries: cfg.Sink.MaxRetries, Logger: logger})
	b.forwarder = out
	return b, nil
}

// sweepInterval is how often the memory store is checked for idle traces.
func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Second)
}
