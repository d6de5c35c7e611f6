package calltrace

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugStorage = false

// BlobStore persists archived trace segments and their metadata.
type BlobStore interface {
	Put(key string, blob []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	// KeysPrefix returns all keys in the store that begin with the given prefix.
	KeysPrefix(prefix string) ([]string, error)
	// Keys returns all keys in the store.
	Keys() ([]string, error)
	Clear() error
	Close() error
}

// KeyPrefixStore wraps another BlobStore, prepending a fixed prefix to all keys.
// Its Keys and KeysPrefix methods strip the prefix before returning.
func KeyPrefixStore(s BlobStore, prefix string) BlobStore {
	if prefix == "" {
		return s
	}
	return &prefixStore{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStore struct {
	store  BlobStore
	prefix string
}

func (p *prefixStore) Put(key string, blob []byte) error {
	return p.store.Put(p.prefix+key, blob)
}

func (p *prefixStore) Get(key string) ([]byte, bool, error) {
	return p.store.Get(p.prefix + key)
}

func (p *prefixStore) Delete(key string) error {
	return p.store.Delete(p.prefix + key)
}

func (p *prefixStore) KeysPrefix(prefix string) ([]string, error) {
	underlying, err := p.store.KeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(underlying))
	for i, k := range underlying {
		stripped[i] = strings.TrimPrefix(k, p.prefix)
	}
	return stripped, nil
}

func (p *prefixStore) Keys() ([]string, error) {
	return p.KeysPrefix("")
}

func (p *prefixStore) Clear() error {
	keys, err := p.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op, the wrapped store is owned by the caller.
func (p *prefixStore) Close() error {
	return nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore returns an in-memory BlobStore implementation.
func NewMemStore() BlobStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), blob...) // copy the blob to avoid external mutation
	return nil
}

func (m *memStore) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStore) KeysPrefix(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStore) Keys() ([]string, error) {
	return m.KeysPrefix("")
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStore) Close() error {
	return nil // no resources to free
}

const badgerSplitBuffer = 16         // small extra buffer to avoid ever hitting the max anywhere
const badgerSplitLogFileBuffer = 240 // extra log file space compared to max value size
const splitPrefixString = "badger_split:"

// badgerSplitLimit is max size before value split, updated by tests to reduce test overhead.
var badgerSplitLimit = (1 << 30) - badgerSplitBuffer - badgerSplitLogFileBuffer

var splitRe = regexp.MustCompile(`^` + splitPrefixString + `(\d+):(\d+)$`)

type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger backed BlobStore at path. Segments are compressed by the archive before
// they are stored, so the database itself runs without block compression.
func NewBadgerStore(path string, maxMemMB int) (BlobStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithDetectConflicts(true).
		WithCompression(options.None).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(0). // block cache only helps compressed or encrypted tables
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(max(1024*1024*128, int64(badgerSplitLimit)+badgerSplitLogFileBuffer))

	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive db failed: %w", err)
	}
	if debugStorage {
		go func() {
			for {
				time.Sleep(60 * time.Second)
				if db.IsClosed() {
					return
				}
				logMetrics := func(name string, metrics *ristretto.Metrics) {
					if metrics.Hits() != 0 || metrics.Misses() != 0 {
						log.Println(name + ": " + metrics.String())
					}
					metrics.Clear()
				}

				logMetrics("index", db.IndexCacheMetrics())
			}
		}()
	}
	return &badgerStore{db: db}, nil
}

func splitPartKey(key string, i int) []byte {
	return []byte(fmt.Sprintf("%s%s-%d", splitPrefixString, key, i))
}

func (b *badgerStore) Put(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		mainKey := []byte(key)

		// wipe any old split parts if this key was previously split
		if item, err := txn.Get(mainKey); err == nil {
			_ = item.Value(func(val []byte) error {
				if m := splitRe.FindSubmatch(val); m != nil {
					oldCount, _ := strconv.Atoi(string(m[1]))
					for i := 0; i < oldCount; i++ {
						_ = txn.Delete(splitPartKey(key, i))
					}
				}
				return nil
			})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if len(blob) <= badgerSplitLimit {
			return txn.Set(mainKey, blob)
		}

		// split into roughly equal parts
		parts := len(blob) / badgerSplitLimit
		if len(blob)%badgerSplitLimit != 0 {
			parts++
		}
		base := len(blob) / parts
		rem := len(blob) % parts
		var off int
		for i := 0; i < parts; i++ {
			sz := base
			if i < rem {
				sz++
			}
			if err := txn.Set(splitPartKey(key, i), blob[off:off+sz]); err != nil {
				return err
			}
			off += sz
		}
		// marker of the form "badger_split:<parts>:<size>"
		return txn.Set(mainKey, []byte(fmt.Sprintf("%s%d:%d", splitPrefixString, parts, len(blob))))
	})
}

func (b *badgerStore) Get(key string) ([]byte, bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte{}, v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	} else if raw == nil {
		return nil, false, nil
	}

	m := splitRe.FindSubmatch(raw)
	if m == nil {
		return raw, true, nil // stored whole
	}
	count, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse part count: %w", err)
	}
	size, err := strconv.Atoi(string(m[2]))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse blob size: %w", err)
	}
	stored := make([]byte, size)
	var off int
	if err := b.db.View(func(txn *badger.Txn) error {
		for i := 0; i < count; i++ {
			item, err := txn.Get(splitPartKey(key, i))
			if err != nil {
				return fmt.Errorf("large value failure on part %d: %w", i, err)
			} else if err := item.Value(func(v []byte) error {
				copy(stored[off:], v)
				off += len(v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

func (b *badgerStore) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		mainKey := []byte(key)
		item, err := txn.Get(mainKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		var raw []byte
		_ = item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
		if m := splitRe.FindSubmatch(raw); m != nil {
			count, _ := strconv.Atoi(string(m[1]))
			for i := 0; i < count; i++ {
				if err := txn.Delete(splitPartKey(key, i)); err != nil {
					return err
				}
			}
		}
		return txn.Delete(mainKey)
	})
}

func (b *badgerStore) KeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			k := string(it.Item().Key())
			if strings.HasPrefix(k, splitPrefixString) {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

func (b *badgerStore) Keys() ([]string, error) {
	return b.KeysPrefix("")
}

func (b *badgerStore) Clear() error {
	return b.db.DropPrefix([]byte{}) // including split parts
}

func (b *badgerStore) Close() error {
	return b.db.Close()
}
