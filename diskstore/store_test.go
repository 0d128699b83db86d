package diskstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeModelFile is an in-memory ModelFile backed by a byte slice, with
// optional fault injection and a read counter for concurrency checks.
type fakeModelFile struct {
	mu       sync.Mutex
	data     []byte
	reads    int
	failAt   int64 // ReadAt at this offset returns an error once, -1 disables
	shortAt  int64 // ReadAt at this offset returns fewer bytes than requested
}

func (f *fakeModelFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()

	if off == f.failAt {
		f.failAt = -1
		return 0, errors.New("injected read failure")
	}
	if off == f.shortAt {
		f.shortAt = -1
		n := copy(p, f.data[off:off+int64(len(p))-1])
		return n, nil
	}
	n := copy(p, f.data[off:off+int64(len(p))])
	return n, nil
}

func newFakeFile(n int) (*fakeModelFile, []byte) {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &fakeModelFile{data: data, failAt: -1, shortAt: -1}, data
}

func TestLoadLayerFromDiskSingleRange(t *testing.T) {
	file, data := newFakeFile(4096)
	index := [][]ByteRange{
		{{FileOffset: 1024, Size: 512}},
	}
	s, err := New(file, index, Config{})
	require.NoError(t, err)

	dst := make([]byte, 512)
	require.NoError(t, s.LoadLayerFromDisk(0, dst))
	require.Equal(t, data[1024:1536], dst)
}

func TestLoadLayerFromDiskMultiRange(t *testing.T) {
	file, data := newFakeFile(8192)
	index := [][]ByteRange{
		{{FileOffset: 0, Size: 100}, {FileOffset: 4096, Size: 200}},
	}
	s, err := New(file, index, Config{})
	require.NoError(t, err)

	dst := make([]byte, 300)
	require.NoError(t, s.LoadLayerFromDisk(0, dst))
	require.Equal(t, data[0:100], dst[:100])
	require.Equal(t, data[4096:4296], dst[100:300])
}

func TestLoadLayerFromDiskInvalidLayer(t *testing.T) {
	file, _ := newFakeFile(1024)
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{})
	require.NoError(t, err)

	err = s.LoadLayerFromDisk(5, make([]byte, 64))
	require.ErrorIs(t, err, ErrInvalidLayer)
}

func TestLoadLayerFromDiskReadError(t *testing.T) {
	file, _ := newFakeFile(1024)
	file.failAt = 0
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{})
	require.NoError(t, err)

	err = s.LoadLayerFromDisk(0, make([]byte, 64))
	require.ErrorIs(t, err, ErrDiskRead)
}

func TestLoadLayerFromDiskShortRead(t *testing.T) {
	file, _ := newFakeFile(1024)
	file.shortAt = 0
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{})
	require.NoError(t, err)

	err = s.LoadLayerFromDisk(0, make([]byte, 64))
	require.ErrorIs(t, err, ErrShortRead)
}

func TestPutGetRoundTrip(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{CPUCacheBudget: 1 << 20})
	require.NoError(t, err)

	payload := []byte("layer bytes go here")
	s.Put(0, payload)

	got, ok, err := s.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestPutGetCompressed(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, nil, Config{CPUCacheBudget: 1 << 20, Compress: true})
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 7
	}
	s.Put(3, payload)

	got, ok, err := s.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestEvictLRUTieBreakByInsertionOrder(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, nil, Config{CPUCacheBudget: 250})
	require.NoError(t, err)

	// Three 100-byte layers inserted in order 0,1,2. Layers 0 and 1 are
	// given the same lastAccess, so only insertion order separates them.
	s.Put(0, make([]byte, 100))
	s.Put(1, make([]byte, 100))
	s.cache[1].lastAccess = s.cache[0].lastAccess
	s.Put(2, make([]byte, 100)) // pushes cacheUsed to 300 > 250, evicts layer 0

	require.False(t, s.Has(0))
	require.True(t, s.Has(1))
	require.True(t, s.Has(2))
}

func TestEvictLRURespectsRecentAccess(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, nil, Config{CPUCacheBudget: 250})
	require.NoError(t, err)

	s.Put(0, make([]byte, 100))
	s.Put(1, make([]byte, 100))
	_, _, _ = s.Get(0) // touch layer 0, layer 1 is now least recently used
	s.Put(2, make([]byte, 100))

	require.True(t, s.Has(0), "recently accessed layer should survive eviction")
	require.False(t, s.Has(1), "least recently used layer should be evicted")
}

func TestStats(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, nil, Config{CPUCacheBudget: 1000})
	require.NoError(t, err)

	s.Put(0, make([]byte, 100))
	stats := s.Stats()
	require.Equal(t, 1, stats.CachedLayers)
	require.Equal(t, int64(100), stats.CacheUsed)
	require.Equal(t, int64(1000), stats.CacheBudget)
}

func TestBackgroundLoaderSubmitAndStop(t *testing.T) {
	file, data := newFakeFile(4096)
	index := [][]ByteRange{
		{{FileOffset: 0, Size: 1024}},
		{{FileOffset: 1024, Size: 1024}},
	}
	s, err := New(file, index, Config{CPUCacheBudget: 1 << 20})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.True(t, s.Submit(0))
	require.Eventually(t, func() bool { return s.Has(0) }, time.Second, time.Millisecond)

	got, ok, err := s.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data[0:1024], got)

	require.NoError(t, s.Stop())
}

func TestSubmitWithoutStartReturnsFalse(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{})
	require.NoError(t, err)
	require.False(t, s.Submit(0))
}

func TestFreeCacheClearsAndStops(t *testing.T) {
	file, _ := newFakeFile(64)
	s, err := New(file, [][]ByteRange{{{FileOffset: 0, Size: 64}}}, Config{CPUCacheBudget: 1 << 20})
	require.NoError(t, err)
	s.Start(context.Background())

	s.Put(0, make([]byte, 64))
	require.NoError(t, s.FreeCache())

	require.False(t, s.Has(0))
	stats := s.Stats()
	require.Equal(t, 0, stats.CachedLayers)
}
