package calltrace

import (
	"bufio"
	"io"
	"strconv"
)

const (
	traceHeader = "<?xml version='1.0' encoding='UTF-8'?>\n<trace>\n"
	traceFooter = "</trace>\n"
)

// traceWriter serializes markers, literals and diagnostics into a buffered sink. After the first failure every
// further operation is dropped and Err reports the failure.
type traceWriter struct {
	buf     *bufio.Writer
	flusher interface{ Flush() error } // optional flush of the sink below the buffer
	scratch []byte
	written uint64
	err     error
}

func newTraceWriter(w io.Writer, flusher interface{ Flush() error }, size int) *traceWriter {
	return &traceWriter{
		buf:     bufio.NewWriterSize(w, size),
		flusher: flusher,
		scratch: make([]byte, 0, 256),
	}
}

// Err returns the first write or flush failure.
func (w *traceWriter) Err() error {
	return w.err
}

func (w *traceWriter) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.buf.Write(b)
	w.written += uint64(n)
	if err != nil {
		w.err = err
	}
}

func (w *traceWriter) header() {
	w.write([]byte(traceHeader))
}

func (w *traceWriter) footer() {
	w.write([]byte(traceFooter))
}

func appendAttr(dst []byte, key, value string) []byte {
	dst = append(dst, ' ')
	dst = append(dst, key...)
	dst = append(dst, '=', '"')
	dst = appendEscaped(dst, value, false)
	return append(dst, '"')
}

// open writes the opening marker of f. Arguments and the return value start on their own indented line.
func (w *traceWriter) open(f *frame) {
	b := w.scratch[:0]
	if f.kind == NodeArg || f.kind == NodeReturn {
		b = append(b, '\t')
	}
	b = append(b, '<')
	b = append(b, f.kind.String()...)
	switch f.kind {
	case NodeCall:
		b = append(b, ` no="`...)
		b = strconv.AppendUint(b, f.no, 10)
		b = append(b, '"')
		b = appendAttr(b, "name", f.name)
	case NodeArg, NodeMember:
		if f.typ != "" {
			b = appendAttr(b, "type", f.typ)
		}
		b = appendAttr(b, "name", f.name)
	case NodeArray:
		if f.typ != "" {
			b = appendAttr(b, "type", f.typ)
		}
		b = append(b, ` length="`...)
		b = strconv.AppendInt(b, int64(f.length), 10)
		b = append(b, '"')
	case NodeReference:
		if f.typ != "" {
			b = appendAttr(b, "type", f.typ)
		}
		b = append(b, ` addr="`...)
		b = appendAddress(b, f.addr)
		b = append(b, '"')
	default:
		if f.typ != "" {
			b = appendAttr(b, "type", f.typ)
		}
	}
	b = append(b, '>')
	if f.kind == NodeCall {
		b = append(b, '\n')
	}
	w.scratch = b
	w.write(b)
}

// close writes the closing marker of f.
func (w *traceWriter) close(f *frame) {
	b := w.scratch[:0]
	b = append(b, '<', '/')
	b = append(b, f.kind.String()...)
	b = append(b, '>')
	switch f.kind {
	case NodeCall, NodeArg, NodeReturn:
		b = append(b, '\n')
	}
	w.scratch = b
	w.write(b)
}

func (w *traceWriter) literal(l Literal) {
	w.scratch = appendLiteral(w.scratch[:0], l)
	w.write(w.scratch)
}

// diagnostic writes msg as a comment inside top. Between calls it takes its own line, directly inside a call its own
// indented line, anywhere else it stays inline.
func (w *traceWriter) diagnostic(msg string, top *frame) {
	b := w.scratch[:0]
	inCall := top != nil && top.kind == NodeCall
	if inCall {
		b = append(b, '\t')
	}
	b = append(b, "<!-- "...)
	b = appendEscaped(b, msg, true)
	b = append(b, " -->"...)
	if top == nil || inCall {
		b = append(b, '\n')
	}
	w.scratch = b
	w.write(b)
}

// flush pushes buffered output into the sink and flushes any encoder below it.
func (w *traceWriter) flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.buf.Flush(); err != nil {
		w.err = err
		return err
	}
	if w.flusher != nil {
		if err := w.flusher.Flush(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}
