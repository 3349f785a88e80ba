// Package cache persists raw service payloads keyed by request fingerprint.
//
// Entries live in leveldb as two records written in one batch:
//
//	e:<fingerprint>  raw payload bytes
//	m:<fingerprint>  gob-encoded meta (created-at, size, crc32)
//
// An optional RAM tier keeps recently used payloads in memory. There is no
// automatic eviction from disk; entries leave only through Evict.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"isochrone/internal/errs"
)

const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

// Entry is one cached payload.
type Entry struct {
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
}

// Info describes an entry without its payload.
type Info struct {
	Fingerprint string
	CreatedAt   time.Time
	Size        int64
}

type meta struct {
	CreatedAt int64 // unix nanoseconds, UTC
	Size      int64
	Hash32    uint32
}

// Store is a leveldb-backed payload cache. It is safe for concurrent use;
// concurrent Puts of one fingerprint resolve last-write-wins.
type Store struct {
	db  *leveldb.DB
	ram *ramCache
	log zerolog.Logger
	now func() time.Time

	// wmu orders disk writes with their RAM tier updates
	wmu sync.Mutex

	// at most one warning a minute about payloads too big for the RAM tier
	overflowLog zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRAM puts an in-memory LRU of maxBytes in front of leveldb.
func WithRAM(maxBytes int64) Option {
	return func(s *Store) {
		if maxBytes > 0 {
			s.ram = newRAMCache(maxBytes)
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// DefaultDir is the per-user cache directory.
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "isochrone"), nil
}

// Open opens (or creates) the store in dir. An empty dir means DefaultDir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, errs.Storage("cache.open", err)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Storage("cache.open", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errs.Storage("cache.open", fmt.Errorf("%s: %w", dir, err))
	}
	return newStore(db, opts), nil
}

// OpenMemory returns a store that lives only in memory.
func OpenMemory(opts ...Option) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errs.Storage("cache.open", err)
	}
	return newStore(db, opts), nil
}

func newStore(db *leveldb.DB, opts []Option) *Store {
	s := &Store{db: db, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.overflowLog = s.log.Sample(&zerolog.BurstSampler{Burst: 1, Period: time.Minute})
	return s
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Storage("cache.close", err)
	}
	return nil
}

// Lookup returns the payload for fp. A miss is (nil, false, nil); an error is
// returned only for I/O failure or a payload that no longer matches its
// recorded checksum.
func (s *Store) Lookup(fp string) ([]byte, bool, error) {
	var gen uint64
	if s.ram != nil {
		if b, ok := s.ram.Get(fp); ok {
			return b, true, nil
		}
		gen = s.ram.Gen()
	}
	ent, ok, err := s.read(fp)
	if err != nil || !ok {
		return nil, ok, err
	}
	if s.ram != nil {
		// a write since gen may have replaced what was read
		s.ram.Fill(fp, ent.Payload, gen)
	}
	return ent.Payload, true, nil
}

// Entry returns the full record for fp.
func (s *Store) Entry(fp string) (Entry, bool, error) {
	return s.read(fp)
}

// read takes both records from one snapshot so a concurrent Put or Evict is
// seen entirely or not at all.
func (s *Store) read(fp string) (Entry, bool, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return Entry{}, false, errs.Storage("cache.lookup", err)
	}
	defer snap.Release()

	mb, err := snap.Get([]byte(metaPrefix+fp), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errs.Storage("cache.lookup", err)
	}
	var m meta
	if err := decodeGob(mb, &m); err != nil {
		return Entry{}, false, errs.Storage("cache.lookup", fmt.Errorf("meta %s: %w", fp, err))
	}
	payload, err := snap.Get([]byte(entryPrefix+fp), nil)
	if err != nil {
		// meta without payload is a torn entry
		return Entry{}, false, errs.Storage("cache.lookup", fmt.Errorf("payload %s: %w", fp, err))
	}
	if crc32.ChecksumIEEE(payload) != m.Hash32 || int64(len(payload)) != m.Size {
		return Entry{}, false, errs.Storage("cache.lookup", fmt.Errorf("payload %s: checksum mismatch", fp))
	}
	return Entry{
		Fingerprint: fp,
		Payload:     payload,
		CreatedAt:   time.Unix(0, m.CreatedAt).UTC(),
	}, true, nil
}

// Put persists payload under fp. The write is synced before Put returns.
// Putting an existing fingerprint replaces it.
func (s *Store) Put(fp string, payload []byte) error {
	m := meta{
		CreatedAt: s.now().UTC().UnixNano(),
		Size:      int64(len(payload)),
		Hash32:    crc32.ChecksumIEEE(payload),
	}
	mb, err := encodeGob(m)
	if err != nil {
		return errs.Storage("cache.put", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+fp), payload)
	batch.Put([]byte(metaPrefix+fp), mb)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errs.Storage("cache.put", err)
	}
	if s.ram != nil {
		if !s.ram.fits(len(payload)) {
			s.overflowLog.Warn().Str("fp", fp).Int64("bytes", m.Size).Int64("ram_max", s.ram.maxBytes).
				Msg("payload larger than RAM tier, kept on disk only")
		}
		s.ram.Put(fp, payload)
	}
	s.log.Debug().Str("fp", fp).Int64("bytes", m.Size).Msg("cache stored")
	return nil
}

// Evict removes fp from both tiers. Evicting a missing entry is not an error.
func (s *Store) Evict(fp string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + fp))
	batch.Delete([]byte(metaPrefix + fp))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.db.Write(batch, &opt.WriteOptions{Sync: true})
	// drop from RAM even on failure; the disk copy is still authoritative
	if s.ram != nil {
		s.ram.Delete(fp)
	}
	if err != nil {
		return errs.Storage("cache.evict", err)
	}
	s.log.Debug().Str("fp", fp).Msg("cache evicted")
	return nil
}

// List returns every entry's info, oldest first.
func (s *Store) List() ([]Info, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var out []Info
	for it.Next() {
		fp := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var m meta
		if err := decodeGob(it.Value(), &m); err != nil {
			s.log.Warn().Str("fp", fp).Err(err).Msg("skipping unreadable cache meta")
			continue
		}
		out = append(out, Info{Fingerprint: fp, CreatedAt: time.Unix(0, m.CreatedAt).UTC(), Size: m.Size})
	}
	if err := it.Error(); err != nil {
		return nil, errs.Storage("cache.list", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RAMSize is the byte total held by the RAM tier.
func (s *Store) RAMSize() int64 {
	if s.ram == nil {
		return 0
	}
	return s.ram.TotalSize()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
