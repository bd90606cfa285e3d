package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/resample"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Key prefixes
const (
	chunkPrefix byte = 'c' // [c][field hash (8)][chunk start (8)] -> zstd(json bins)
	fieldPrefix byte = 'f' // [f][field name] -> empty
)

// Source implements source.Source using BadgerDB (LSM tree). Bins are grouped
// into fixed-width chunks per field so a query touches a handful of keys.
type Source struct {
	db      *badger.DB
	codec   *codec
	chunkMs int64
	logger  *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly default)
	MaxMemoryMB int64

	// ChunkMs is the time span of one stored chunk (0 = config.SourceChunkMs)
	ChunkMs int64

	// CompressionLevel selects the zstd level, 1 (fastest) to 4 (best)
	CompressionLevel int

	// Logger receives badger's internal log lines (nil = silent)
	Logger *zap.Logger
}

// New creates a BadgerDB bin source
func New(cfg Config) (*Source, error) {
	log := logger.OrNop(cfg.Logger)
	opts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{log.Sugar()})

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// 16 MB is the smallest memtable that avoids excessive flushes.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		// Chunks are zstd-compressed before they reach badger
		WithCompression(options.None).
		WithNumVersionsToKeep(1).

		// Memory table configuration
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).

		// Bounded caches; badger grows without them
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).

		// LSM tree configuration
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).

		// Value log configuration
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	c, err := newCodec(cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(opts)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	chunkMs := cfg.ChunkMs
	if chunkMs <= 0 {
		chunkMs = config.SourceChunkMs
	}

	return &Source{db: db, codec: c, chunkMs: chunkMs, logger: log}, nil
}

// Write merges bins into their chunks.
// Enforces context timeout/cancellation so a slow disk cannot block callers.
func (s *Source) Write(ctx context.Context, field string, bins []tile.Bin) error {
	bins, err := source.ValidateWrite(field, bins)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Group by chunk so each chunk is read and rewritten once
	chunks := make(map[int64][]tile.Bin)
	for _, b := range bins {
		start := resample.AlignDown(b.T, s.chunkMs)
		chunks[start] = append(chunks[start], b)
	}
	starts := make([]int64, 0, len(chunks))
	for start := range chunks {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(fieldKey(field), nil); err != nil {
				return fmt.Errorf("failed to register field: %w", err)
			}

			for i, start := range starts {
				// Check context periodically (every 100 chunks)
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := chunkKey(field, start)
				existing, err := s.readChunk(txn, key)
				if err != nil {
					return err
				}

				// Incoming bins first so equal counts overwrite
				value, err := s.codec.encode(tile.MergeBins(chunks[start], existing))
				if err != nil {
					return err
				}
				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("failed to write chunk: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query aggregates the bins of field inside iv.
// Enforces context timeout/cancellation so a slow disk cannot block callers.
func (s *Source) Query(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	if err := source.ValidateQuery(field, iv, bucketMs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		bins []tile.Bin
		err  error
	}
	done := make(chan queryResult, 1)
	startTime := time.Now()

	go func() {
		var res queryResult
		var raw []tile.Bin
		var chunkCount int

		res.err = s.db.View(func(txn *badger.Txn) error {
			prefix := chunkPrefixFor(field)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchSize = 16

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(chunkKey(field, resample.AlignDown(iv.FromMs, s.chunkMs))); it.ValidForPrefix(prefix); it.Next() {
				chunkCount++
				if chunkCount%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				if chunkStart(it.Item().Key()) >= iv.ToMs {
					break
				}

				var bins []tile.Bin
				err := it.Item().Value(func(val []byte) error {
					var err error
					bins, err = s.codec.decode(val)
					return err
				})
				if err != nil {
					return err
				}
				raw = append(raw, bins...)
			}
			return nil
		})

		if elapsed := time.Since(startTime); elapsed > 5*time.Second {
			s.logger.Warn("slow query",
				zap.String("field", field),
				zap.Duration("elapsed", elapsed),
				zap.Int("chunks", chunkCount),
			)
		}

		if res.err == nil {
			res.bins = source.Aggregate(raw, iv, bucketMs)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.bins, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Fields lists the stored field names
func (s *Source) Fields(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		names = s.fieldNames(txn)
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Delete removes bins older than beforeMs. Chunks entirely before the cutoff
// are dropped; the chunk straddling it is rewritten.
func (s *Source) Delete(ctx context.Context, field string, beforeMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			fields := []string{field}
			if field == "" {
				fields = s.fieldNames(txn)
			}

			for _, name := range fields {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := s.deleteField(txn, name, beforeMs); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

func (s *Source) deleteField(txn *badger.Txn, field string, beforeMs int64) error {
	prefix := chunkPrefixFor(field)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	type rewrite struct {
		key  []byte
		bins []tile.Bin
	}
	var drop [][]byte
	var rewrites []rewrite
	remaining := 0

	it := txn.NewIterator(opts)
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		start := chunkStart(item.Key())

		switch {
		case start+s.chunkMs <= beforeMs:
			drop = append(drop, item.KeyCopy(nil))
		case start < beforeMs:
			var bins []tile.Bin
			if err := item.Value(func(val []byte) error {
				var err error
				bins, err = s.codec.decode(val)
				return err
			}); err != nil {
				it.Close()
				return err
			}
			kept := tile.BinsOutside(bins, tile.Interval{FromMs: start, ToMs: beforeMs})
			if len(kept) == 0 {
				drop = append(drop, item.KeyCopy(nil))
				continue
			}
			rewrites = append(rewrites, rewrite{key: item.KeyCopy(nil), bins: kept})
			remaining++
		default:
			remaining++
		}
	}
	it.Close()

	for _, key := range drop {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	for _, rw := range rewrites {
		value, err := s.codec.encode(rw.bins)
		if err != nil {
			return err
		}
		if err := txn.Set(rw.key, value); err != nil {
			return err
		}
	}
	if remaining == 0 {
		if err := txn.Delete(fieldKey(field)); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down BadgerDB cleanly
func (s *Source) Close() error {
	err := s.db.Close()
	s.codec.close()
	return err
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded.
// badger.ErrNoRewrite means nothing needed collecting.
func (s *Source) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics.
// Enforces context timeout/cancellation so a slow disk cannot block callers.
func (s *Source) Stats(ctx context.Context) (*source.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *source.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		var res statsResult
		stats := &source.Stats{}

		res.err = s.db.View(func(txn *badger.Txn) error {
			stats.TotalFields = uint64(len(s.fieldNames(txn)))

			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{chunkPrefix}
			it := txn.NewIterator(opts)
			defer it.Close()

			first := true
			var iterCount int
			for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				var bins []tile.Bin
				if err := it.Item().Value(func(val []byte) error {
					var err error
					bins, err = s.codec.decode(val)
					return err
				}); err != nil {
					return err
				}
				if len(bins) == 0 {
					continue
				}

				stats.TotalBins += uint64(len(bins))
				oldest, newest := bins[0].T, bins[len(bins)-1].T
				if first || oldest < stats.OldestMs {
					stats.OldestMs = oldest
				}
				if first || newest > stats.NewestMs {
					stats.NewestMs = newest
				}
				first = false
			}
			return nil
		})

		if res.err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}

		res.stats = stats
		done <- res
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

func (s *Source) readChunk(txn *badger.Txn, key []byte) ([]tile.Bin, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	var bins []tile.Bin
	err = item.Value(func(val []byte) error {
		bins, err = s.codec.decode(val)
		return err
	})
	return bins, err
}

func (s *Source) fieldNames(txn *badger.Txn) []string {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{fieldPrefix}
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var names []string
	for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
		names = append(names, string(it.Item().Key()[1:]))
	}
	return names
}

// chunkKey creates a sortable key: prefix + field hash + chunk start.
// The sign bit of the start is flipped so negative times sort first.
func chunkKey(field string, start int64) []byte {
	key := make([]byte, 17)
	key[0] = chunkPrefix
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(field))
	binary.BigEndian.PutUint64(key[9:17], uint64(start)^(1<<63))
	return key
}

func chunkPrefixFor(field string) []byte {
	return chunkKey(field, 0)[:9]
}

// chunkStart extracts the chunk start time from a chunk key
func chunkStart(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[9:17]) ^ (1 << 63))
}

func fieldKey(field string) []byte {
	return append([]byte{fieldPrefix}, field...)
}

// badgerLogger routes badger's logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
