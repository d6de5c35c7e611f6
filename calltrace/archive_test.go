package calltrace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentArchiveStream(t *testing.T) {
	t.Parallel()

	archive := NewSegmentArchive(NewMemStore())
	rec := &sinkRecorder{}
	s, logSink := newTestStream(rec, func(o *Options) {
		o.Archive = archive
	})
	require.NoError(t, s.Open("trace.xml"))
	s.Call("a").End()
	s.Call("b").End()
	require.NoError(t, s.ReOpen())
	s.BeginCall("c")
	s.EndArg()
	s.EndCall()
	require.NoError(t, s.Close())
	assert.Empty(t, logSink.String())

	segments, err := archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)

	first := rec.sink(0).Bytes()
	assert.Equal(t, "trace.xml", segments[0].Name)
	assert.Equal(t, 1, segments[0].Segment)
	assert.Equal(t, uint64(0), segments[0].FirstCall)
	assert.Equal(t, uint64(2), segments[0].Calls)
	assert.Zero(t, segments[0].Violations)
	assert.Equal(t, len(first), segments[0].Size)
	assert.Equal(t, contentDigest(first), segments[0].Digest)
	assert.Positive(t, segments[0].ClosedUnixNano)

	assert.Equal(t, 2, segments[1].Segment)
	assert.Equal(t, uint64(2), segments[1].FirstCall)
	assert.Equal(t, uint64(1), segments[1].Calls)
	assert.Equal(t, uint64(1), segments[1].Violations)

	info, text, found, err := archive.Load("trace.xml", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, segments[0], info)
	assert.Equal(t, first, text)

	trace, err := archive.ReadTrace("trace.xml", 2)
	require.NoError(t, err)
	require.Len(t, trace.Calls, 1)
	assert.Equal(t, uint64(2), trace.Calls[0].No)
	assert.Equal(t, []string{"end arg without open arg (open: call)"}, trace.Violations())

	_, _, found, err = archive.Load("trace.xml", 3)
	require.NoError(t, err)
	assert.False(t, found)
	_, err = archive.ReadTrace("trace.xml", 3)
	require.Error(t, err)
}

func TestSegmentArchiveSkipsFailedSegment(t *testing.T) {
	t.Parallel()

	archive := NewSegmentArchive(NewMemStore())
	rec := &sinkRecorder{failFirst: 1}
	s, _ := newTestStream(rec, func(o *Options) {
		o.Archive = archive
	})
	require.NoError(t, s.Open("trace.xml"))
	s.Call("a").End()
	s.Call("b").End() // sink fails
	require.NoError(t, s.ReOpen())
	s.Call("c").End()
	require.NoError(t, s.Close())

	segments, err := archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 2, segments[0].Segment)
	assert.Equal(t, uint64(2), segments[0].FirstCall)
}

func TestSegmentArchiveLimit(t *testing.T) {
	t.Parallel()

	archive := NewSegmentArchive(NewMemStore())
	rec := &sinkRecorder{}
	s, logSink := newTestStream(rec, func(o *Options) {
		o.Archive = archive
		o.ArchiveLimit = 128
	})
	require.NoError(t, s.Open("trace.xml"))
	writeSampleCalls(s)
	require.NoError(t, s.ReOpen())
	s.Call("f").End()
	require.NoError(t, s.Close())

	// the oversized segment still reaches its sink
	assertTraceText(t, sampleTrace, rec.sink(0).String())
	assert.Contains(t, logSink.String(), "segment 1 exceeded the archive limit of 128 bytes")

	segments, err := archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 2, segments[0].Segment)
}

func TestSegmentArchivePrune(t *testing.T) {
	t.Parallel()

	archive := NewSegmentArchive(NewMemStore())
	rec := &sinkRecorder{}
	s, logSink := newTestStream(rec, func(o *Options) {
		o.Archive = archive
		o.ArchiveKeep = 2
	})
	require.NoError(t, s.Open("trace.xml"))
	for i := 0; i < 3; i++ {
		s.Call("f").End()
		require.NoError(t, s.ReOpen())
	}
	require.NoError(t, s.Close())
	assert.Empty(t, logSink.String())

	segments, err := archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 3, segments[0].Segment)
	assert.Equal(t, 4, segments[1].Segment)
	_, _, found, err := archive.Load("trace.xml", 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, archive.Delete("trace.xml", 3))
	require.NoError(t, archive.Delete("trace.xml", 3))
	segments, err = archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 4, segments[0].Segment)

	require.NoError(t, archive.Store(SegmentInfo{Name: "other.xml", Segment: 1}, []byte(traceText())))
	require.NoError(t, archive.Prune("trace.xml", 0))
	segments, err = archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "other.xml", segments[0].Name)

	require.NoError(t, archive.Clear())
	segments, err = archive.Segments()
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestSegmentArchiveDigestMismatch(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	archive := NewSegmentArchive(store)
	require.NoError(t, archive.Store(SegmentInfo{Name: "trace.xml", Segment: 1}, []byte(traceText())))

	corrupt := KeyPrefixStore(store, "segment")
	require.NoError(t, corrupt.Put(segmentKey("trace.xml", 1), ZstdCompress(nil, []byte("<trace/>"))))

	_, _, _, err := archive.Load("trace.xml", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestSegmentArchiveBadger(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "archive"), 50)
	require.NoError(t, err)
	defer store.Close()
	archive := NewSegmentArchive(store)

	text := writeModelTrace(t, sampleModelCalls())
	for seg := 1; seg <= 3; seg++ {
		require.NoError(t, archive.Store(SegmentInfo{Name: "trace.xml", Segment: seg, Calls: 3}, []byte(text)))
	}

	segments, err := archive.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 3)
	for i, info := range segments {
		assert.Equal(t, i+1, info.Segment)
		assert.Equal(t, len(text), info.Size)
	}

	trace, err := archive.ReadTrace("trace.xml", 2)
	require.NoError(t, err)
	assert.Equal(t, sampleModelCalls(), trace.Calls)
}
