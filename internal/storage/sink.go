// Package storage persists converted tables through pluggable sinks.
//
// A sink receives the merged tables of one input file together with the
// static column layout of the whole run. Backends register themselves by
// kind from an init function; import internal/storage/all to link every
// backend in.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"patentetl/internal/table"
)

// Config selects and configures a sink.
type Config struct {
	// Kind is a registered backend kind: csv, jsonl, sqlite, postgres, mssql.
	Kind string
	// DSN is the connection string of database backends. The sqlite backend
	// defaults it to <OutputDir>/db.sqlite.
	DSN string
	// OutputDir is where file-based backends write. It must exist.
	OutputDir string
	// Logger defaults to a discard logger.
	Logger logrus.FieldLogger
}

// Log returns cfg.Logger or a discard logger.
func (cfg Config) Log() logrus.FieldLogger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Sink persists tables. Write is called once per input file, from a single
// goroutine; implementations write the whole call in one exclusive scope
// (a transaction for databases) where the backend supports it.
type Sink interface {
	// Write appends or upserts every table of tables using the column order
	// of layout.
	Write(ctx context.Context, tables table.Tables, layout *table.Layout) error
	// Close releases files and connections.
	Close() error
}

// Factory builds a Sink for cfg.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It panics on an empty kind,
// a nil factory or a duplicate registration.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New builds the sink registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing output kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported output kind %q (have %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
