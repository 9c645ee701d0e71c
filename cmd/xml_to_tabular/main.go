// Command xml_to_tabular converts collections of concatenated patent XML
// documents into tables, driven by a YAML mapping.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"patentetl/internal/extract"
	"patentetl/internal/mapping"
	"patentetl/internal/metrics"
	"patentetl/internal/metrics/datadog"
	"patentetl/internal/pipeline"
	"patentetl/internal/source"
	"patentetl/internal/splitter"
	"patentetl/internal/storage"
	"patentetl/internal/xmldoc"

	// register all backends with the storage factory.
	_ "patentetl/internal/storage/all"
)

// errUsage marks command-line errors; main exits with status 2 for them.
var errUsage = errors.New("usage error")

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	inputs          listFlag
	recurse         bool
	configPath      string
	dtdDir          string
	validate        bool
	outputDir       string
	outputType      string
	dsn             string
	workers         int
	continueOnError bool
	encoding        string
	verbose         bool
	quiet           bool
	metricsBackend  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("xml_to_tabular", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Var(&o.inputs, "i", "XML file, directory or glob to convert (repeatable; positional arguments are inputs too)")
	fs.BoolVar(&o.recurse, "r", false, "search directories recursively for *.xml files")
	fs.StringVar(&o.configPath, "c", "", "mapping config file (YAML)")
	fs.StringVar(&o.dtdDir, "d", "", "directory holding DTDs and entity files (default $XDG_DATA_HOME/patentetl/dtd)")
	fs.BoolVar(&o.validate, "validate", false, "validate documents against their DTD")
	fs.StringVar(&o.outputDir, "o", "", "output directory (created if necessary)")
	fs.StringVar(&o.outputType, "output-type", "csv", "output kind: "+strings.Join(storage.Kinds(), ", "))
	fs.StringVar(&o.dsn, "dsn", "", "database connection string (overrides env DSN and DSN_*; sqlite defaults to <o>/db.sqlite)")
	fs.IntVar(&o.workers, "processes", 0, "number of parallel workers (default GOMAXPROCS-1)")
	fs.BoolVar(&o.continueOnError, "continue-on-error", false, "log failed documents and keep going")
	fs.StringVar(&o.encoding, "encoding", "", "input encoding label (default utf-8)")
	fs.BoolVar(&o.verbose, "v", false, "enable debug logs")
	fs.BoolVar(&o.quiet, "q", false, "suppress all logs")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: none, datadog (overrides env METRICS_BACKEND)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	o.inputs = append(o.inputs, fs.Args()...)
	o.dsn = resolveDSN(o.outputType, o.dsn)

	switch {
	case len(o.inputs) == 0:
		return nil, fmt.Errorf("%w: no input given (-i)", errUsage)
	case o.configPath == "":
		return nil, fmt.Errorf("%w: no mapping config given (-c)", errUsage)
	case (o.outputType == "postgres" || o.outputType == "mssql") && o.dsn == "":
		return nil, fmt.Errorf("%w: %s output needs -dsn or DSN_* variables", errUsage, o.outputType)
	case o.outputDir == "" && o.dsn == "":
		return nil, fmt.Errorf("%w: no output location given (-o)", errUsage)
	}
	if o.dtdDir == "" {
		o.dtdDir = filepath.Join(xdg.DataHome, "patentetl", "dtd")
	}
	if o.metricsBackend == "" {
		o.metricsBackend = os.Getenv("METRICS_BACKEND")
	}
	return &o, nil
}

func newLogger(o *options, stderr io.Writer) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(stderr)
	switch {
	case o.quiet:
		l.SetLevel(logrus.PanicLevel)
	case o.verbose:
		l.SetLevel(logrus.DebugLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l.WithField("run_id", uuid.NewString())
}

// setupMetrics installs the selected backend and returns its shutdown hook.
func setupMetrics(ctx context.Context, name string, log logrus.FieldLogger) func() {
	switch name {
	case "datadog":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := datadog.NewBackend(ctx, datadog.Options{JobName: "xml_to_tabular", Tags: tags})
		if err != nil {
			log.WithError(err).Warn("metrics: failed to init datadog backend; using nop")
			return func() {}
		}
		log.WithField("tags", tags).Debug("metrics: datadog backend enabled")
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.WithError(err).Warn("metrics: datadog close/flush error")
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		return func() {}
	default:
		log.Warnf("metrics: unknown backend %q; metrics disabled", name)
		return func() {}
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	log := newLogger(o, stderr)

	m, err := mapping.Load(o.configPath)
	if err != nil {
		return err
	}
	if m.RootDefaulted {
		log.WithField("xml_root", m.Root).Warn("no xml_root in config; using the first top-level key")
	}

	files, err := source.Expand(o.inputs, o.recurse)
	if err != nil {
		return err
	}

	sp, err := splitter.New(m.Root, o.encoding)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if o.outputDir != "" {
		if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	sink, err := storage.New(ctx, storage.Config{
		Kind:      o.outputType,
		DSN:       o.dsn,
		OutputDir: o.outputDir,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	shutdownMetrics := setupMetrics(ctx, o.metricsBackend, log)
	defer shutdownMetrics()

	runner := &pipeline.Runner{
		Mapping:         m,
		Layout:          extract.Layout(m),
		Splitter:        sp,
		Parser:          xmldoc.NewParser(xmldoc.Options{DTDDir: o.dtdDir, Validate: o.validate, Logger: log}),
		Sink:            sink,
		Logger:          log,
		Workers:         o.workers,
		ContinueOnError: o.continueOnError,
	}

	start := time.Now()
	log.WithFields(logrus.Fields{"files": len(files), "output": o.outputType, "xml_root": m.Root}).Info("converting")
	runErr := runner.Run(ctx, files)
	if err := sink.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close %s output: %w", o.outputType, err)
	}
	if runErr != nil {
		return runErr
	}
	log.WithField("elapsed", time.Since(start).Truncate(time.Millisecond)).Info("done")
	return nil
}
