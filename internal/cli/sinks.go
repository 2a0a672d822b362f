package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/intentmix/internal/db"
	"github.com/raphaelgruber/intentmix/internal/store"
)

// sinkSet holds the opened persistence sinks of a run.
type sinkSet struct {
	sinks   []store.Sink
	loaders []store.CorpusLoader
	surreal *db.Client
	paths   []string
}

// openSinks opens every named sink. Any failure closes what was already
// opened and fails the run.
func openSinks(ctx context.Context, names []string) (*sinkSet, error) {
	set := &sinkSet{}
	fail := func(name string, err error) (*sinkSet, error) {
		_ = set.Close()
		return nil, fmt.Errorf("open %s sink: %w", name, err)
	}

	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "csv":
			s, err := store.NewCSV(cfg.OutputCSV)
			if err != nil {
				return fail(name, err)
			}
			set.sinks = append(set.sinks, s)
			set.paths = append(set.paths, s.Path())

		case "sqlite":
			s, err := store.NewSQLite(cfg.SQLitePath)
			if err != nil {
				return fail(name, err)
			}
			set.sinks = append(set.sinks, s)
			set.loaders = append(set.loaders, s)
			set.paths = append(set.paths, cfg.SQLitePath)

		case "surrealdb", "surreal":
			client, err := db.NewClient(ctx, cfg.DBConfig(), slog.Default())
			if err != nil {
				return fail(name, err)
			}
			if err := client.InitSchema(ctx); err != nil {
				_ = client.Close(ctx)
				return fail(name, err)
			}
			s := db.NewSink(client)
			set.surreal = client
			set.sinks = append(set.sinks, s)
			set.loaders = append(set.loaders, s)
			set.paths = append(set.paths, fmt.Sprintf("%s (%s/%s)", cfg.SurrealDBURL, cfg.SurrealDBNamespace, cfg.SurrealDBDatabase))

		case "none", "":

		default:
			return fail(name, fmt.Errorf("unknown sink (want csv, sqlite, surrealdb or none)"))
		}
	}
	return set, nil
}

// Sink returns a single sink writing to every opened one.
func (s *sinkSet) Sink() store.Sink {
	switch len(s.sinks) {
	case 0:
		return store.Discard{}
	case 1:
		return s.sinks[0]
	default:
		return store.NewMulti(s.sinks...)
	}
}

func (s *sinkSet) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	s.sinks = nil
	return errors.Join(errs...)
}
