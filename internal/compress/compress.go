// Package compress shrinks message payloads before encryption. The
// algorithm is chosen per payload from its size and a Shannon entropy
// estimate; the chosen algorithm travels as a one-byte tag in front of the
// compressed bytes so receivers need no negotiation.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/sync/semaphore"
)

// Algorithm is the one-byte wire tag for a compression algorithm.
type Algorithm byte

const (
	AlgoNone Algorithm = iota
	AlgoGzip
	AlgoZlib
	AlgoBzip2
	AlgoLZMA
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoGzip:
		return "gzip"
	case AlgoZlib:
		return "zlib"
	case AlgoBzip2:
		return "bzip2"
	case AlgoLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// Selection thresholds.
const (
	// MinSize: payloads smaller than this are not worth compressing.
	MinSize = 1 << 10
	// MaxSize: payloads larger than this are passed through untouched.
	MaxSize = 10 << 20
	// bzip2SizeCap: bzip2 is only picked for small low-entropy payloads.
	bzip2SizeCap = 100 << 10
	// entropySample is how many leading bytes feed the entropy estimate.
	entropySample = 1 << 10
	// highEntropy marks near-random data where heavy algorithms waste CPU.
	highEntropy = 7.5
	// lowEntropy marks highly repetitive data worth an expensive algorithm.
	lowEntropy = 4.0
	// LargePayload is the size above which compression competes for a
	// bounded worker slot.
	LargePayload = 50 << 10
)

// DefaultWorkers bounds concurrent large-payload compressions.
const DefaultWorkers = 4

// Choose picks an algorithm for the payload.
func Choose(data []byte) Algorithm {
	n := len(data)
	if n < MinSize || n > MaxSize {
		return AlgoNone
	}

	e := entropy(data)
	switch {
	case e > highEntropy:
		// Nearly incompressible; gzip is the cheapest attempt.
		return AlgoGzip
	case e < lowEntropy:
		if n < bzip2SizeCap {
			return AlgoBzip2
		}
		return AlgoLZMA
	default:
		return AlgoZlib
	}
}

// entropy estimates Shannon entropy in bits per byte over the leading
// sample of data.
func entropy(data []byte) float64 {
	sample := data
	if len(sample) > entropySample {
		sample = sample[:entropySample]
	}
	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}
	total := float64(len(sample))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

// Compressor packs and unpacks payloads. Results for repeated payloads come
// from a bounded cache; large payloads contend for a limited number of
// worker slots so a burst cannot monopolize CPU.
type Compressor struct {
	cache  *lruCache
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Options tunes the compressor. Zero values take defaults.
type Options struct {
	CacheEntries int
	Workers      int
}

// New creates a compressor.
func New(logger *slog.Logger, opts Options) *Compressor {
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = defaultCacheEntries
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Compressor{
		cache:  newLRUCache(opts.CacheEntries),
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		logger: logger.With("component", "compressor"),
	}
}

// Pack compresses data and returns tag||compressed. When compression does
// not shrink the payload the none tag is used and the data passes through.
func (c *Compressor) Pack(ctx context.Context, data []byte) ([]byte, error) {
	algo := Choose(data)
	if algo == AlgoNone {
		return tagged(AlgoNone, data), nil
	}

	if cached, ok := c.cache.get(cacheKey(data, algo)); ok {
		return cached, nil
	}

	if len(data) > LargePayload {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}

	compressed, err := encode(algo, data)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", algo, err)
	}
	if len(compressed) >= len(data) {
		return tagged(AlgoNone, data), nil
	}

	out := tagged(algo, compressed)
	c.cache.put(cacheKey(data, algo), out)
	return out, nil
}

// Unpack reverses Pack.
func (c *Compressor) Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("compress: empty payload")
	}
	algo := Algorithm(data[0])
	body := data[1:]
	if algo == AlgoNone {
		return body, nil
	}
	out, err := decode(algo, body)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", algo, err)
	}
	return out, nil
}

func tagged(algo Algorithm, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(algo)
	copy(out[1:], data)
	return out
}

func encode(algo Algorithm, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch algo {
	case AlgoGzip:
		w = gzip.NewWriter(&buf)
	case AlgoZlib:
		w = zlib.NewWriter(&buf)
	case AlgoBzip2:
		w, err = bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case AlgoLZMA:
		w, err = lzma.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unknown algorithm %d", algo)
	}
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(algo Algorithm, data []byte) ([]byte, error) {
	var r io.Reader
	var err error

	switch algo {
	case AlgoGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case AlgoZlib:
		r, err = zlib.NewReader(bytes.NewReader(data))
	case AlgoBzip2:
		r, err = bzip2.NewReader(bytes.NewReader(data), nil)
	case AlgoLZMA:
		r, err = lzma.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown algorithm %d", algo)
	}
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
