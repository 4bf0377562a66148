// Package logging constructs the component loggers. Output always goes to
// stderr; when a log file is configured it is teed there too, size-rotated.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log destination.
type Options struct {
	// File enables rotated file logging when non-empty.
	File string

	// MaxSizeMB is the rotation threshold per file.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep.
	MaxBackups int
}

// Factory hands out per-component loggers sharing one destination, so file
// rotation is managed by a single writer.
type Factory struct {
	w io.Writer
}

// NewFactory creates the shared log destination.
func NewFactory(opts Options) *Factory {
	w := io.Writer(os.Stderr)
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w = io.MultiWriter(os.Stderr, rotated)
	}
	return &Factory{w: w}
}

// New returns a logger with the given component prefix, e.g. "[realtime] ".
func (f *Factory) New(prefix string) *log.Logger {
	return log.New(f.w, prefix, log.LstdFlags)
}
