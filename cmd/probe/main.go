// Command probe drafts a mapping config by sampling an XML archive.
//
// It reads a bounded number of root documents (default 20), records which
// element and attribute paths occur and how they repeat, and emits either:
//
//   - a YAML mapping for xml_to_tabular (default), or
//   - a path report (-report), one indented line per element path with the
//     number of documents containing it, its largest repeat count under one
//     parent and whether it carries text.
//
// The document type is taken from -root, or else from the first DOCTYPE in
// the archive. The draft is a starting point: repeating paths become nested
// entities, single containers are flattened, and the root's primary key is
// guessed from leaves whose values were distinct in every sampled document.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"

	"patentetl/internal/probe"
)

func main() {
	var (
		flagInput    = flag.String("i", "", "XML archive to sample (plain, .gz or .zst)")
		flagRoot     = flag.String("root", "", "document type to sample; defaults to the first DOCTYPE in the archive")
		flagDocs     = flag.Int("n", probe.DefaultMaxDocs, "number of documents to sample")
		flagEncoding = flag.String("encoding", "", "input encoding label (default utf-8)")
		flagDTD      = flag.String("d", filepath.Join(xdg.DataHome, "patentetl", "dtd"), "directory holding DTDs and entity files")
		flagReport   = flag.Bool("report", false, "print the path report instead of a mapping")
		flagOut      = flag.String("o", "", "write the mapping to this file instead of stdout")
		flagVerbose  = flag.Bool("v", false, "enable debug logs")
	)
	flag.Parse()

	input := strings.TrimSpace(*flagInput)
	if input == "" && flag.NArg() > 0 {
		input = flag.Arg(0)
	}
	if input == "" {
		fmt.Fprintln(os.Stderr, "missing -i")
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if *flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	// Sampling reads a prefix of the archive; a stuck read should fail
	// rather than hang.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	p, err := probe.Sample(ctx, input, probe.Options{
		Root:     *flagRoot,
		MaxDocs:  *flagDocs,
		Encoding: *flagEncoding,
		DTDDir:   *flagDTD,
		Logger:   log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(1)
	}
	if p.Failed > 0 || p.Dropped > 0 {
		log.WithFields(logrus.Fields{"failed": p.Failed, "dropped": p.Dropped}).Warn("some documents were skipped")
	}

	if *flagReport {
		fmt.Fprint(os.Stdout, p.Report())
		return
	}

	if err := writeMapping(p, *flagOut, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(1)
	}
}

// writeMapping encodes the draft to path, or to stdout when path is empty.
// An existing file is never overwritten.
func writeMapping(p *probe.Profile, path string, stdout io.Writer) (err error) {
	if path == "" {
		return p.Encode(stdout)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return p.Encode(f)
}
