// Package diskstore implements the disk tier of the layer window: a
// per-layer byte-range index into an opaque model file, a bounded
// CPU-resident cache with LRU eviction, and a single background loader
// goroutine that prefetches layers ahead of compute.
//
// Grounded on the teacher's diskstore.Store (tiered evicted-KV-block
// storage) for package shape (Config/New, mutex-guarded state, Stats,
// zstd compression) and on
// _examples/original_source/src/llama-layer-window.cpp's
// llama_layer_window::disk_io for the exact load/evict semantics this
// package targets instead: per-layer byte ranges rather than per-block
// KV tensors, and a monotonic access counter rather than wall-clock
// time for LRU ordering.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/databloom/pagedkv-layerwindow/internal/logging"
	"github.com/databloom/pagedkv-layerwindow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Error kinds, per spec §7.
var (
	ErrInvalidLayer = errors.New("diskstore: invalid layer index")
	ErrDiskRead     = errors.New("diskstore: disk read error")
	ErrShortRead    = errors.New("diskstore: short read")
)

// ModelFile is the positional-read interface the disk tier depends on
// (spec §6). *os.File satisfies it; concurrent ReadAt calls at
// different offsets never interfere, which is what lets two
// in-flight layer loads run without sharing file-pointer state.
type ModelFile interface {
	ReadAt(p []byte, off int64) (int, error)
}

// ByteRange is one (file_offset, size) pair. A layer's raw weight
// payload is the concatenation of its ranges in order.
type ByteRange struct {
	FileOffset int64
	Size       int64
}

// Config configures a Store.
type Config struct {
	// CPUCacheBudget bounds total cached bytes.
	CPUCacheBudget int64
	// Compress, when true, zstd-compresses cached layer bytes in
	// memory, the same way the teacher compresses evicted KV blocks
	// on disk.
	Compress bool
	// PrefetchQueueSize bounds the background loader's request queue.
	// Zero defaults to 16.
	PrefetchQueueSize int
}

type cacheEntry struct {
	layer      int
	data       []byte // as stored: compressed or raw, see compressed
	size       int64  // uncompressed size
	compressed bool
	lastAccess uint64
	seq        uint64 // insertion order, eviction tie-break
}

// Store is the disk tier's runtime state: file handle, per-layer
// index, bounded CPU cache, and background loader.
type Store struct {
	mu sync.Mutex

	file  ModelFile
	index [][]ByteRange // index[layer] = ranges

	cache       map[int]*cacheEntry
	cacheUsed   int64
	cacheBudget int64

	accessCounter uint64 // atomic
	insertCounter uint64

	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	requests chan int
	eg       *errgroup.Group
	cancel   context.CancelFunc
	started  bool

	log     *logging.Logger
	metrics *telemetry.WindowMetrics
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMetrics attaches telemetry (the disk tier shares the layer
// window's metric set, since disk activity is part of the window's
// story).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Store) { s.metrics = telemetry.NewWindowMetrics(reg) }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a disk-tier Store over file, indexed by index (index[il]
// is the ordered list of byte ranges for layer il). It does not start
// the background loader; call Start for that.
func New(file ModelFile, index [][]ByteRange, cfg Config, opts ...Option) (*Store, error) {
	var enc *zstd.Encoder
	var dec *zstd.Decoder
	if cfg.Compress {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("diskstore: create zstd encoder: %w", err)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("diskstore: create zstd decoder: %w", err)
		}
	}

	queueSize := cfg.PrefetchQueueSize
	if queueSize <= 0 {
		queueSize = 16
	}

	s := &Store{
		file:        file,
		index:       index,
		cache:       make(map[int]*cacheEntry),
		cacheBudget: cfg.CPUCacheBudget,
		compress:    cfg.Compress,
		encoder:     enc,
		decoder:     dec,
		requests:    make(chan int, queueSize),
		log:         logging.Default,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// LoadLayerFromDisk reads every byte range for layer il, in order,
// into dst, using positional reads so that concurrent loads of
// different layers never interfere.
func (s *Store) LoadLayerFromDisk(il int, dst []byte) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.DiskLoadSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	if il < 0 || il >= len(s.index) {
		return fmt.Errorf("%w: layer %d", ErrInvalidLayer, il)
	}

	var writeOffset int64
	for _, r := range s.index[il] {
		if writeOffset+r.Size > int64(len(dst)) {
			return fmt.Errorf("%w: layer %d destination too small (%d < %d)", ErrShortRead, il, len(dst), writeOffset+r.Size)
		}
		n, err := s.file.ReadAt(dst[writeOffset:writeOffset+r.Size], r.FileOffset)
		if err != nil {
			if s.metrics != nil {
				s.metrics.DiskLoadErrors.Inc()
			}
			s.log.Error("diskstore: read error", "layer", il, "offset", r.FileOffset, "size", r.Size, "err", err)
			return fmt.Errorf("%w: layer %d at offset %d: %v", ErrDiskRead, il, r.FileOffset, err)
		}
		if int64(n) != r.Size {
			if s.metrics != nil {
				s.metrics.DiskLoadErrors.Inc()
			}
			s.log.Error("diskstore: short read", "layer", il, "want", r.Size, "got", n)
			return fmt.Errorf("%w: layer %d: want %d got %d", ErrShortRead, il, r.Size, n)
		}
		writeOffset += r.Size
	}
	return nil
}

// LayerByteLen returns the total byte length of layer il's concatenated
// ranges.
func (s *Store) LayerByteLen(il int) int64 {
	if il < 0 || il >= len(s.index) {
		return 0
	}
	var total int64
	for _, r := range s.index[il] {
		total += r.Size
	}
	return total
}

// Put inserts (or replaces) layer il's bytes in the CPU cache,
// optionally compressing them, and evicts LRU entries until the
// budget is satisfied.
func (s *Store) Put(il int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := data
	compressed := false
	if s.compress && s.encoder != nil {
		stored = s.encoder.EncodeAll(data, nil)
		compressed = true
	}

	if old, ok := s.cache[il]; ok {
		s.cacheUsed -= int64(len(old.data))
		delete(s.cache, il)
	}

	s.insertCounter++
	entry := &cacheEntry{
		layer:      il,
		data:       stored,
		size:       int64(len(data)),
		compressed: compressed,
		lastAccess: atomic.AddUint64(&s.accessCounter, 1),
		seq:        s.insertCounter,
	}
	s.cache[il] = entry
	s.cacheUsed += int64(len(stored))

	s.evictLRULocked()
}

// Get returns the cached, decompressed bytes for layer il and bumps
// its access counter. ok is false if the layer is not cached.
func (s *Store) Get(il int) (data []byte, ok bool, err error) {
	s.mu.Lock()
	entry, found := s.cache[il]
	if !found {
		s.mu.Unlock()
		return nil, false, nil
	}
	entry.lastAccess = atomic.AddUint64(&s.accessCounter, 1)
	payload := entry.data
	compressed := entry.compressed
	s.mu.Unlock()

	if !compressed {
		return payload, true, nil
	}
	out, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, true, fmt.Errorf("diskstore: decompress layer %d: %w", il, err)
	}
	return out, true, nil
}

// Has reports whether layer il is currently cached.
func (s *Store) Has(il int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[il]
	return ok
}

// EvictLRU sorts cache entries ascending by last access (tie-break:
// insertion order) and frees from oldest until total <= cpu_cache_budget.
func (s *Store) EvictLRU() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLRULocked()
}

func (s *Store) evictLRULocked() {
	if s.cacheBudget <= 0 || s.cacheUsed <= s.cacheBudget {
		return
	}

	entries := make([]*cacheEntry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].lastAccess != entries[j].lastAccess {
			return entries[i].lastAccess < entries[j].lastAccess
		}
		return entries[i].seq < entries[j].seq
	})

	for _, e := range entries {
		if s.cacheUsed <= s.cacheBudget {
			break
		}
		s.cacheUsed -= int64(len(e.data))
		delete(s.cache, e.layer)
		if s.metrics != nil {
			s.metrics.CacheEvictedTotal.Inc()
		}
		s.log.Debug("diskstore: evicted layer from cache", "layer", e.layer, "cache_used", s.cacheUsed, "budget", s.cacheBudget)
	}
}

// Stats summarizes the disk tier's current CPU cache occupancy.
type Stats struct {
	CachedLayers int
	CacheUsed    int64
	CacheBudget  int64
}

// Stats returns the current cache statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		CachedLayers: len(s.cache),
		CacheUsed:    s.cacheUsed,
		CacheBudget:  s.cacheBudget,
	}
}

// Start launches the background loader goroutine, which drains
// requests submitted via Submit, loads each layer from disk, populates
// the cache, and evicts as needed. Each layer is read into a fresh
// buffer sized to the layer's byte length.
func (s *Store) Start(ctx context.Context) {
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.eg = eg
	s.started = true

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case il, ok := <-s.requests:
				if !ok {
					return nil
				}
				if s.Has(il) {
					continue
				}
				buf := make([]byte, s.LayerByteLen(il))
				if err := s.LoadLayerFromDisk(il, buf); err != nil {
					s.log.Error("diskstore: background load failed", "layer", il, "err", err)
					continue
				}
				s.Put(il, buf)
			}
		}
	})
}

// Submit enqueues layer il for background loading. Non-blocking: if
// the queue is full the request is dropped and false is returned, the
// same backpressure behavior as the teacher's bounded work queues.
func (s *Store) Submit(il int) bool {
	if !s.started {
		return false
	}
	select {
	case s.requests <- il:
		return true
	default:
		return false
	}
}

// Stop cancels the background worker and waits for it to exit. Safe to
// call when the worker was never started.
func (s *Store) Stop() error {
	if !s.started {
		return nil
	}
	s.cancel()
	err := s.eg.Wait()
	s.started = false
	return err
}

// FreeCache releases all cached buffers, clears the index, stops the
// background worker (if started) and joins it.
func (s *Store) FreeCache() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[int]*cacheEntry)
	s.cacheUsed = 0
	s.index = nil

	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}
