package calltrace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ErrNoSinkName is returned by ReOpen when the stream has never been opened.
var ErrNoSinkName = errors.New("no trace sink name")

type streamState uint8

const (
	stateClosed streamState = iota
	stateOpen
	stateDegraded // open, but output is dropped after a sink failure
)

type lifecycleOp uint8

const (
	opOpen lifecycleOp = iota + 1
	opReOpen
	opClose
)

// lifecycleRequest is an Open, ReOpen or Close deferred until the in-flight call ends.
type lifecycleRequest struct {
	op   lifecycleOp
	name string
}

// Stats summarizes the activity of a LogStream.
type Stats struct {
	// Calls counts completed calls, including calls made while no sink was open.
	Calls uint64
	// Violations counts detected protocol violations.
	Violations uint64
	// Flushes counts successful sink flushes.
	Flushes uint64
	// Bytes counts uncompressed trace bytes handed to sinks.
	Bytes uint64
	// Segment is the number of the current or last segment, 0 before the first open.
	Segment int
	// Open reports a live sink.
	Open bool
	// Degraded reports that output is suspended after a sink failure.
	Degraded bool
}

// LogStream records call traces into a sink. The zero value is not usable, construct with NewLogStream. A new stream
// is closed and every tracing method is a no-op until Open succeeds.
//
// Calls are serialized: BeginCall blocks while another call is in flight and the lock is released by the matching
// EndCall. The remaining Begin, End and Literal methods are expected from the goroutine that owns the in-flight call.
type LogStream struct {
	opts Options

	callMu sync.Mutex // held from BeginCall until the matching EndCall completes

	mu         sync.Mutex
	state      streamState
	name       string
	sink       *sink
	w          *traceWriter
	capture    *segmentCapture // segment copy for the archive
	stack      nestingStack
	callActive bool
	pending    []lifecycleRequest
	nextCall   uint64
	seg        SegmentInfo
	stats      Stats
	stopFlush  chan struct{}
}

// NewLogStream returns a closed stream configured by opts.
func NewLogStream(opts Options) *LogStream {
	return &LogStream{opts: opts.withDefaults()}
}

// Open creates or truncates the named sink and starts a new trace in it, closing any sink that is already open. When
// a call is in flight the request is deferred until that call ends and nil is returned.
func (s *LogStream) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callActive {
		s.pending = append(s.pending, lifecycleRequest{op: opOpen, name: name})
		return nil
	}
	return s.openLocked(name)
}

// ReOpen closes the current sink and re-creates it under the same name, continuing the call numbering. It also
// resumes a stream suspended by a sink failure or closed after a previous open. Deferred like Open while a call is in
// flight.
func (s *LogStream) ReOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callActive {
		s.pending = append(s.pending, lifecycleRequest{op: opReOpen})
		return nil
	}
	return s.reopenLocked()
}

// Close finishes the trace, flushes and releases the sink. Deferred like Open while a call is in flight.
func (s *LogStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callActive {
		s.pending = append(s.pending, lifecycleRequest{op: opClose})
		return nil
	}
	return s.closeLocked()
}

// Stats returns a snapshot of the stream counters.
func (s *LogStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	if s.w != nil {
		st.Bytes += s.w.written
	}
	st.Segment = s.seg.Segment
	st.Open = s.state == stateOpen
	st.Degraded = s.state == stateDegraded
	return st
}

func (s *LogStream) openLocked(name string) error {
	if name == "" {
		return ErrNoSinkName
	}
	closeErr := s.closeLocked()
	s.stack.reset() // frames opened while closed never reached a sink

	s.name = name // remembered even on failure so ReOpen can retry
	sk, err := openSink(name, s.opts)
	if err != nil {
		s.opts.Logger.Printf("%sFailed to open call trace %s: %v", ErrorLogPrefix, name, err)
		return errors.Join(closeErr, fmt.Errorf("open call trace %s: %w", name, err))
	}

	var out io.Writer = sk
	s.capture = nil
	if s.opts.Archive != nil {
		s.capture = newSegmentCapture(sk, s.opts.ArchiveLimit)
		out = s.capture
	}
	s.sink = sk
	s.w = newTraceWriter(out, sk, s.opts.BufferSize)
	s.state = stateOpen
	s.seg = SegmentInfo{
		Name:      name,
		Segment:   s.seg.Segment + 1,
		FirstCall: s.nextCall,
	}
	s.emit(func(w *traceWriter) { w.header() })
	s.startFlushTicker()
	return closeErr
}

func (s *LogStream) reopenLocked() error {
	if s.name == "" {
		return ErrNoSinkName
	}
	closeErr := s.closeLocked()
	if s.opts.RotateSegments && s.opts.CreateSink == nil && s.seg.Segment > 0 {
		rotated := segmentFileName(s.name, s.seg.Segment)
		if err := os.Rename(s.name, rotated); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.opts.Logger.Printf("%sFailed to rotate call trace %s: %v", ErrorLogPrefix, s.name, err)
			closeErr = errors.Join(closeErr, fmt.Errorf("rotate call trace: %w", err))
		}
	}
	return errors.Join(closeErr, s.openLocked(s.name))
}

func (s *LogStream) closeLocked() error {
	if s.state == stateClosed {
		return nil
	}
	s.stopFlushTicker()

	var writeErr error
	if s.state == stateOpen {
		s.clearLocked()
		s.w.footer()
		if writeErr = s.w.flush(); writeErr == nil {
			s.stats.Flushes++
		} else {
			s.reportFailure(writeErr)
		}
	}
	s.stats.Bytes += s.w.written
	closeErr := s.sink.Close()
	if closeErr != nil {
		s.opts.Logger.Printf("%sFailed to close call trace %s: %v", ErrorLogPrefix, s.name, closeErr)
	}

	var archiveErr error
	if s.capture != nil && s.state == stateOpen && writeErr == nil {
		archiveErr = s.archiveLocked()
	}

	s.state = stateClosed
	s.stack.reset()
	s.sink = nil
	s.w = nil
	s.capture = nil
	return errors.Join(writeErr, closeErr, archiveErr)
}

// archiveLocked stores the captured segment and prunes older segments of the same name.
func (s *LogStream) archiveLocked() error {
	text, ok := s.capture.Segment()
	if !ok {
		s.opts.Logger.Printf("%sCall trace segment %d exceeded the archive limit of %d bytes, not archived",
			ErrorLogPrefix, s.seg.Segment, s.opts.ArchiveLimit)
		return nil
	}
	s.seg.ClosedUnixNano = time.Now().UnixNano()
	if err := s.opts.Archive.Store(s.seg, text); err != nil {
		s.opts.Logger.Printf("%sFailed to archive call trace segment %d: %v", ErrorLogPrefix, s.seg.Segment, err)
		return err
	}
	if s.opts.ArchiveKeep > 0 {
		if err := s.opts.Archive.Prune(s.seg.Name, s.opts.ArchiveKeep); err != nil {
			s.opts.Logger.Printf("%sFailed to prune call trace archive: %v", ErrorLogPrefix, err)
			return err
		}
	}
	return nil
}

// runPending executes lifecycle requests deferred during the call that just ended.
func (s *LogStream) runPending() {
	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		switch req.op {
		case opOpen:
			_ = s.openLocked(req.name) // failures are reported on the side channel
		case opReOpen:
			if err := s.reopenLocked(); errors.Is(err, ErrNoSinkName) {
				s.opts.Logger.Printf("%sCall trace reopen ignored: %v", ErrorLogPrefix, err)
			}
		case opClose:
			_ = s.closeLocked()
		}
	}
}

func (s *LogStream) startFlushTicker() {
	if s.opts.FlushInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.stopFlush = stop
	go func() {
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				select {
				case <-stop: // closed while waiting for the lock
				default:
					s.flushLocked()
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *LogStream) stopFlushTicker() {
	if s.stopFlush != nil {
		close(s.stopFlush)
		s.stopFlush = nil
	}
}

func (s *LogStream) flushLocked() {
	if s.state != stateOpen {
		return
	} else if err := s.w.flush(); err != nil {
		s.reportFailure(err)
	} else {
		s.stats.Flushes++
	}
}

// emit runs fn against the live writer, output is silently dropped while closed or degraded.
func (s *LogStream) emit(fn func(w *traceWriter)) {
	if s.state != stateOpen {
		return
	}
	fn(s.w)
	if err := s.w.Err(); err != nil {
		s.reportFailure(err)
	}
}

// reportFailure logs the first sink failure and suspends output until the next successful open.
func (s *LogStream) reportFailure(err error) {
	if s.state != stateOpen {
		return
	}
	s.state = stateDegraded
	s.opts.Logger.Printf("%sCall trace output to %s failed, tracing suspended until reopen: %v",
		ErrorLogPrefix, s.name, err)
}

// violation records a protocol violation as a diagnostic in the trace.
func (s *LogStream) violation(format string, args ...any) {
	s.stats.Violations++
	s.seg.Violations++
	msg := "protocol violation: " + fmt.Sprintf(format, args...)
	top := s.stack.top()
	s.emit(func(w *traceWriter) { w.diagnostic(msg, top) })
}

// begin pushes f, writing its opening marker. A node its parent does not admit is reported but still pushed so the
// caller's matching End keeps the stack balanced.
func (s *LogStream) begin(f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.beginLocked(f)
}

func (s *LogStream) beginLocked(f frame) {
	parent := s.stack.top()
	if parent != nil {
		parent.count++
	}
	if !admits(parent, f.kind) {
		if parent == nil {
			s.violation("%s opened outside a call", f.kind)
		} else {
			s.violation("%s not allowed in %s", f.kind, parent.kind)
		}
	} else if parent != nil && parent.kind.valueSlot() && parent.count > 1 {
		s.violation("extra value in %s", parent.kind)
	}
	s.stack.push(f)
	top := s.stack.top()
	s.emit(func(w *traceWriter) { w.open(top) })
}

// end closes the innermost node of kind. Frames opened above it are closed synthetically after a diagnostic, an
// End with no open node of its kind is reported and dropped.
func (s *LogStream) end(kind NodeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endLocked(kind)
}

func (s *LogStream) endLocked(kind NodeKind) bool {
	idx := s.stack.find(kind)
	if idx < 0 {
		s.violation("end %s without open %s (open: %s)", kind, kind, s.stack.path())
		return false
	}
	for s.stack.depth()-1 > idx {
		top := s.stack.top()
		s.violation("unclosed %s closed by end %s", top.kind, kind)
		f := s.stack.pop()
		s.emit(func(w *traceWriter) { w.close(&f) })
	}
	f := s.stack.pop()
	if f.kind == NodeArray && f.count != f.length {
		s.violation("array declared length %d but has %d elements", f.length, f.count)
	}
	s.emit(func(w *traceWriter) { w.close(&f) })
	return true
}

// clearLocked closes every open frame, used when a call starts or the trace ends over frames left open outside any
// call.
func (s *LogStream) clearLocked() {
	if s.stack.depth() == 0 {
		return
	}
	s.violation("unclosed frames %s discarded", s.stack.path())
	for s.stack.depth() > 0 {
		f := s.stack.pop()
		s.emit(func(w *traceWriter) { w.close(&f) })
	}
}

// BeginCall starts the call block for function, blocking while another call is in flight.
func (s *LogStream) BeginCall(function string) {
	s.callMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callActive = true
	s.clearLocked()
	no := s.nextCall
	s.nextCall++
	s.beginLocked(frame{kind: NodeCall, name: function, no: no})
}

// EndCall closes the call block and lets the next call begin. Lifecycle requests made during the call run here.
func (s *LogStream) EndCall() {
	s.mu.Lock()
	if !s.callActive {
		s.violation("end call without open call")
		s.mu.Unlock()
		return
	}

	s.endLocked(NodeCall)
	s.stats.Calls++
	s.seg.Calls++
	if s.opts.FlushEvery > 0 && s.stats.Calls%uint64(s.opts.FlushEvery) == 0 {
		s.flushLocked()
	}
	s.callActive = false
	s.runPending()
	s.mu.Unlock()
	s.callMu.Unlock()
}

// BeginArg opens an argument of the in-flight call.
func (s *LogStream) BeginArg(typ, name string) {
	s.begin(frame{kind: NodeArg, typ: typ, name: name})
}

// EndArg closes the open argument.
func (s *LogStream) EndArg() {
	s.end(NodeArg)
}

// BeginReturn opens the return value of the in-flight call.
func (s *LogStream) BeginReturn(typ string) {
	s.begin(frame{kind: NodeReturn, typ: typ})
}

// EndReturn closes the return value.
func (s *LogStream) EndReturn() {
	s.end(NodeReturn)
}

// BeginArray opens an array expected to hold length elements.
func (s *LogStream) BeginArray(typ string, length int) {
	s.begin(frame{kind: NodeArray, typ: typ, length: length})
}

// EndArray closes the array, reporting a mismatch between the declared and written element count.
func (s *LogStream) EndArray() {
	s.end(NodeArray)
}

// BeginElement opens the next array element.
func (s *LogStream) BeginElement(typ string) {
	s.begin(frame{kind: NodeElement, typ: typ})
}

// EndElement closes the array element.
func (s *LogStream) EndElement() {
	s.end(NodeElement)
}

// BeginStruct opens a struct value.
func (s *LogStream) BeginStruct(typ string) {
	s.begin(frame{kind: NodeStruct, typ: typ})
}

// EndStruct closes the struct value.
func (s *LogStream) EndStruct() {
	s.end(NodeStruct)
}

// BeginMember opens a struct member.
func (s *LogStream) BeginMember(typ, name string) {
	s.begin(frame{kind: NodeMember, typ: typ, name: name})
}

// EndMember closes the struct member.
func (s *LogStream) EndMember() {
	s.end(NodeMember)
}

// BeginBitmask opens a bitmask holding named constant or integer flags.
func (s *LogStream) BeginBitmask(typ string) {
	s.begin(frame{kind: NodeBitmask, typ: typ})
}

// EndBitmask closes the bitmask.
func (s *LogStream) EndBitmask() {
	s.end(NodeBitmask)
}

// BeginReference opens a pointer value at addr, the referenced value follows.
func (s *LogStream) BeginReference(typ string, addr uintptr) {
	s.begin(frame{kind: NodeReference, typ: typ, addr: uint64(addr)})
}

// EndReference closes the reference.
func (s *LogStream) EndReference() {
	s.end(NodeReference)
}

// Literal writes a scalar value into the open value slot or bitmask. A literal anywhere else is reported and dropped.
func (s *LogStream) Literal(l Literal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.stack.top()
	if !acceptsLiteral(parent, l.Kind) {
		if parent == nil {
			s.violation("%s literal outside a call", l.Kind)
		} else {
			s.violation("%s literal not allowed in %s", l.Kind, parent.kind)
		}
		return
	}
	parent.count++
	if parent.kind.valueSlot() && parent.count > 1 {
		s.violation("extra value in %s", parent.kind)
	}
	s.emit(func(w *traceWriter) { w.literal(l) })
}

// LiteralBool writes a boolean.
func (s *LogStream) LiteralBool(v bool) {
	s.Literal(BoolLiteral(v))
}

// LiteralSInt writes a signed integer.
func (s *LogStream) LiteralSInt(v int64) {
	s.Literal(SIntLiteral(v))
}

// LiteralUInt writes an unsigned integer.
func (s *LogStream) LiteralUInt(v uint64) {
	s.Literal(UIntLiteral(v))
}

// LiteralFloat writes a floating point value.
func (s *LogStream) LiteralFloat(v float64) {
	s.Literal(FloatLiteral(v))
}

// LiteralString writes a narrow string, the bytes are recorded as-is.
func (s *LogStream) LiteralString(b []byte) {
	s.Literal(Literal{Kind: LiteralString, Bytes: b})
}

// LiteralWString writes a wide string given as code units.
func (s *LogStream) LiteralWString(w []uint32) {
	s.Literal(Literal{Kind: LiteralWString, Wide: w})
}

// LiteralNamedConstant writes an identifier such as an enum name.
func (s *LogStream) LiteralNamedConstant(name string) {
	s.Literal(NamedConstantLiteral(name))
}

// LiteralOpaque writes an address whose target is not traced.
func (s *LogStream) LiteralOpaque(addr uintptr) {
	s.Literal(OpaqueLiteral(uint64(addr)))
}

// LiteralNull writes a null pointer.
func (s *LogStream) LiteralNull() {
	s.Literal(NullLiteral())
}
