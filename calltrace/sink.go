package calltrace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// sink is an open trace destination with an optional compression encoder in front of it.
type sink struct {
	path string // file path when the stream created the file itself
	dest io.WriteCloser
	enc  io.WriteCloser
}

// openSink creates or truncates the sink named name.
func openSink(name string, opts Options) (*sink, error) {
	s := &sink{}
	if opts.CreateSink != nil {
		dest, err := opts.CreateSink(name)
		if err != nil {
			return nil, err
		}
		s.dest = dest
	} else {
		if dir := filepath.Dir(name); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create trace dir failed: %w", err)
			}
		}
		f, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		s.dest = f
		s.path = name
	}

	if c := opts.Compression.resolve(name); c != CompressionNone {
		enc, err := compressWriter(s.dest, c)
		if err != nil {
			_ = s.dest.Close()
			return nil, err
		}
		s.enc = enc
	}
	return s, nil
}

func (s *sink) Write(p []byte) (int, error) {
	if s.enc != nil {
		return s.enc.Write(p)
	}
	return s.dest.Write(p)
}

// Flush flushes the compression encoder so the sink holds a decodable prefix of the trace.
func (s *sink) Flush() error {
	if f, ok := s.enc.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close finalizes the encoder then closes the destination.
func (s *sink) Close() error {
	var encErr error
	if s.enc != nil {
		encErr = s.enc.Close()
	}
	return errors.Join(encErr, s.dest.Close())
}

// segmentFileName names a finished segment kept by rotation. The number goes ahead of a compression extension so the
// file still decodes by extension: trace.xml.gz rotates to trace.xml.1.gz.
func segmentFileName(name string, segment int) string {
	if CompressionAuto.resolve(name) == CompressionNone {
		return fmt.Sprintf("%s.%d", name, segment)
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(name, ext), segment, ext)
}

// OpenTraceFile opens a trace file for reading, decoding the compression implied by its extension.
func OpenTraceFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := decompressReader(f, CompressionAuto.resolve(path))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	return &fileReader{ReadCloser: r, file: f}, nil
}

type fileReader struct {
	io.ReadCloser
	file *os.File
}

func (r *fileReader) Close() error {
	return errors.Join(r.ReadCloser.Close(), r.file.Close())
}
