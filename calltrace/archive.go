package calltrace

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// SegmentInfo describes one archived trace segment, the output written between an open and the following
// ReOpen or Close.
type SegmentInfo struct {
	// Name is the sink name the segment was written to.
	Name string `msgpack:"n"`
	// Segment is the 1-based segment number within the stream.
	Segment int `msgpack:"sg"`
	// FirstCall is the number of the first call written to the segment.
	FirstCall uint64 `msgpack:"fc"`
	// Calls counts the completed calls in the segment.
	Calls uint64 `msgpack:"c"`
	// Violations counts the protocol violations recorded in the segment.
	Violations uint64 `msgpack:"v"`
	// Size is the uncompressed trace size in bytes.
	Size int `msgpack:"sz"`
	// Digest identifies the uncompressed trace content.
	Digest string `msgpack:"d"`
	// ClosedUnixNano is when the segment was finished.
	ClosedUnixNano int64 `msgpack:"t"`
}

func segmentKey(name string, segment int) string {
	return fmt.Sprintf("%s#%08d", name, segment)
}

// SegmentArchive keeps finished trace segments in a BlobStore. Segment text is zstd compressed before it is stored.
type SegmentArchive struct {
	infos BlobStore
	data  BlobStore
}

// NewSegmentArchive returns an archive backed by store.
func NewSegmentArchive(store BlobStore) *SegmentArchive {
	return &SegmentArchive{
		infos: KeyPrefixStore(store, "info"),
		data:  KeyPrefixStore(store, "segment"),
	}
}

// Store saves the segment text, filling in the size and digest of info.
func (a *SegmentArchive) Store(info SegmentInfo, text []byte) error {
	info.Size = len(text)
	info.Digest = contentDigest(text)
	blob, err := msgpack.Marshal(&info)
	if err != nil {
		return fmt.Errorf("encode segment info: %w", err)
	}
	key := segmentKey(info.Name, info.Segment)
	if err := a.data.Put(key, ZstdCompress(nil, text)); err != nil {
		return fmt.Errorf("store segment %s: %w", key, err)
	}
	if err := a.infos.Put(key, blob); err != nil {
		return fmt.Errorf("store segment info %s: %w", key, err)
	}
	return nil
}

// Load returns a stored segment and its text, verifying the content digest.
func (a *SegmentArchive) Load(name string, segment int) (SegmentInfo, []byte, bool, error) {
	key := segmentKey(name, segment)
	info, found, err := a.loadInfo(key)
	if err != nil || !found {
		return info, nil, found, err
	}
	compressed, found, err := a.data.Get(key)
	if err != nil {
		return info, nil, false, err
	} else if !found {
		return info, nil, false, fmt.Errorf("segment %s has info but no content", key)
	}
	text, err := ZstdDecompress(make([]byte, 0, info.Size), compressed)
	if err != nil {
		return info, nil, false, fmt.Errorf("decompress segment %s: %w", key, err)
	} else if digest := contentDigest(text); digest != info.Digest {
		return info, nil, false, fmt.Errorf("segment %s digest mismatch", key)
	}
	return info, text, true, nil
}

func (a *SegmentArchive) loadInfo(key string) (SegmentInfo, bool, error) {
	var info SegmentInfo
	blob, found, err := a.infos.Get(key)
	if err != nil || !found {
		return info, found, err
	}
	if err := msgpack.Unmarshal(blob, &info); err != nil {
		return info, false, fmt.Errorf("decode segment info %s: %w", key, err)
	}
	return info, true, nil
}

// Segments lists every archived segment ordered by name then segment number.
func (a *SegmentArchive) Segments() ([]SegmentInfo, error) {
	keys, err := a.infos.Keys()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	infos := make([]SegmentInfo, 0, len(keys))
	errGroup := ErrGroupLimitCPU()
	for _, key := range keys {
		key := key
		errGroup.Go(func() error {
			info, found, err := a.loadInfo(key)
			if err != nil {
				return err
			} else if found {
				mu.Lock()
				infos = append(infos, info)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(infos, func(a, b SegmentInfo) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.Segment - b.Segment
	})
	return infos, nil
}

// ReadTrace parses an archived segment.
func (a *SegmentArchive) ReadTrace(name string, segment int) (*Trace, error) {
	_, text, found, err := a.Load(name, segment)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("segment %s not archived", segmentKey(name, segment))
	}
	return ReadTrace(bytes.NewReader(text))
}

// Delete removes an archived segment, deleting a missing segment is not an error.
func (a *SegmentArchive) Delete(name string, segment int) error {
	return a.deleteKey(segmentKey(name, segment))
}

func (a *SegmentArchive) deleteKey(key string) error {
	if err := a.infos.Delete(key); err != nil {
		return fmt.Errorf("delete segment info %s: %w", key, err)
	} else if err := a.data.Delete(key); err != nil {
		return fmt.Errorf("delete segment %s: %w", key, err)
	}
	return nil
}

// Prune deletes the segments of name older than the newest keep segments, keep <= 0 deletes all of them.
func (a *SegmentArchive) Prune(name string, keep int) error {
	keys, err := a.infos.KeysPrefix(name + "#")
	if err != nil {
		return err
	}
	keep = max(keep, 0)
	if len(keys) <= keep {
		return nil
	}
	slices.Sort(keys) // zero padded segment numbers sort in order
	for _, key := range keys[:len(keys)-keep] {
		if err := a.deleteKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every archived segment.
func (a *SegmentArchive) Clear() error {
	return errors.Join(a.infos.Clear(), a.data.Clear())
}
