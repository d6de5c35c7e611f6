package calltrace

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvTraceFile     = "CALLTRACE_FILE"
	EnvCompression   = "CALLTRACE_COMPRESSION"
	EnvFlushEvery    = "CALLTRACE_FLUSH_EVERY"
	EnvFlushInterval = "CALLTRACE_FLUSH_INTERVAL"
	EnvRotate        = "CALLTRACE_ROTATE"
)

const (
	defaultBufferSize   = 64 * 1024
	defaultArchiveLimit = 256 << 20
)

// Options configures a LogStream.
type Options struct {
	// Compression applied to the sink, CompressionAuto selects from the sink name extension.
	Compression Compression
	// FlushEvery flushes the sink after this many completed calls, 0 only flushes when the buffer fills.
	FlushEvery int
	// FlushInterval additionally flushes on a fixed cadence while open, 0 disables the ticker.
	FlushInterval time.Duration
	// BufferSize is the write buffer size in bytes.
	BufferSize int
	// RotateSegments keeps finished segments on ReOpen by renaming them to <name>.<segment>, with the segment number
	// placed ahead of a compression extension.
	RotateSegments bool
	// Archive receives a copy of every finished segment when set. The uncompressed segment is held in memory until
	// the segment closes, bounded by ArchiveLimit.
	Archive *SegmentArchive
	// ArchiveLimit caps the in-memory segment copy in bytes. A segment growing past it is written to the sink as
	// usual but not archived. 0 disables the cap.
	ArchiveLimit int
	// ArchiveKeep prunes the archive to the newest ArchiveKeep segments of the sink name after each store, 0 keeps
	// every segment.
	ArchiveKeep int
	// Logger is the side channel for sink failures, defaults to the standard logger.
	Logger *log.Logger
	// CreateSink replaces file creation, the stream closes the returned writer.
	CreateSink func(name string) (io.WriteCloser, error)
}

// DefaultOptions returns the options used when none are specified.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionAuto,
		FlushEvery:   1,
		BufferSize:   defaultBufferSize,
		ArchiveLimit: defaultArchiveLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.FlushEvery < 0 {
		o.FlushEvery = 0
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// OptionsFromEnv applies environment overrides to base, returning the options and the sink name from CALLTRACE_FILE
// (empty when unset).
func OptionsFromEnv(base Options) (Options, string, error) {
	opts := base
	if v := os.Getenv(EnvCompression); v != "" {
		c, err := ParseCompression(v)
		if err != nil {
			return base, "", fmt.Errorf("%s: %w", EnvCompression, err)
		}
		opts.Compression = c
	}
	if v := os.Getenv(EnvFlushEvery); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return base, "", fmt.Errorf("%s: invalid call count %q", EnvFlushEvery, v)
		}
		opts.FlushEvery = n
	}
	if v := os.Getenv(EnvFlushInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return base, "", fmt.Errorf("%s: %w", EnvFlushInterval, err)
		}
		opts.FlushInterval = d
	}
	if v := os.Getenv(EnvRotate); v != "" {
		rotate, err := strconv.ParseBool(v)
		if err != nil {
			return base, "", fmt.Errorf("%s: %w", EnvRotate, err)
		}
		opts.RotateSegments = rotate
	}
	return opts, os.Getenv(EnvTraceFile), nil
}
