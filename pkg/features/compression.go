package features

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// CompressionAlgorithm selects how rotated files are compressed.
type CompressionAlgorithm int

const (
	// CompressionNone disables compression.
	CompressionNone CompressionAlgorithm = iota
	// CompressionGzip compresses with gzip (.gz).
	CompressionGzip
	// CompressionLZ4 compresses with the LZ4 block codec (.lz4). Lower
	// ratio than gzip but much cheaper per byte.
	CompressionLZ4
)

// String returns the configuration name of the algorithm.
func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Extension returns the file extension the algorithm appends, including
// the dot.
func (a CompressionAlgorithm) Extension() string {
	switch a {
	case CompressionGzip:
		return ".gz"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseCompressionAlgorithm parses an algorithm name from configuration.
func ParseCompressionAlgorithm(s string) (CompressionAlgorithm, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, errors.Errorf("unsupported compression algorithm: %q", s)
}

// CompressionManager compresses rotated log files in the background. A
// failed compression leaves the uncompressed original in place; the
// original is removed only once the compressed artifact has been fully
// written and closed.
type CompressionManager struct {
	mu             sync.RWMutex
	algorithm      CompressionAlgorithm
	workers        int
	queue          chan string
	wg             sync.WaitGroup
	errorHandler   ErrorHandler
	metricsHandler func(string)
}

// NewCompressionManager creates a compression manager for the given
// algorithm.
func NewCompressionManager(algorithm CompressionAlgorithm) *CompressionManager {
	return &CompressionManager{
		algorithm: algorithm,
		workers:   1,
	}
}

// SetErrorHandler sets the error handling function.
func (c *CompressionManager) SetErrorHandler(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
}

// SetMetricsHandler sets the metrics tracking function.
func (c *CompressionManager) SetMetricsHandler(handler func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metricsHandler = handler
}

// SetWorkers sets the number of compression workers. Takes effect at the
// next Start.
func (c *CompressionManager) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = workers
}

// Algorithm returns the configured algorithm.
func (c *CompressionManager) Algorithm() CompressionAlgorithm {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.algorithm
}

// Start launches the compression workers. A manager configured with
// CompressionNone never starts workers.
func (c *CompressionManager) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.algorithm == CompressionNone || c.queue != nil {
		return
	}

	c.queue = make(chan string, 100)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for path := range c.queue {
				if err := c.compressFile(path); err != nil {
					c.reportError("compress", path, "Failed to compress rotated file", err)
				}
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight compressions to finish.
func (c *CompressionManager) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return
	}
	close(c.queue)
	c.wg.Wait()
	c.queue = nil
}

// QueueFile submits a rotated file for asynchronous compression. When the
// queue is full the file is left uncompressed and the condition reported;
// retention will still remove it eventually.
func (c *CompressionManager) QueueFile(path string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.algorithm == CompressionNone || c.queue == nil {
		return
	}
	select {
	case c.queue <- path:
	default:
		if c.errorHandler != nil {
			c.errorHandler("compress", path, "Compression queue full, leaving file uncompressed", nil)
		}
	}
}

// CompressFileSync compresses a file synchronously. Exposed for shutdown
// paths and tests.
func (c *CompressionManager) CompressFileSync(path string) error {
	return c.compressFile(path)
}

func (c *CompressionManager) compressFile(path string) error {
	algorithm := c.Algorithm()
	if algorithm == CompressionNone {
		return nil
	}

	cleanPath := filepath.Clean(path)
	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		return nil
	}

	compressedPath := cleanPath + algorithm.Extension()
	if err := c.writeCompressed(cleanPath, compressedPath, algorithm); err != nil {
		// Never leave a partial artifact behind; the original stays.
		_ = os.Remove(compressedPath)
		return err
	}

	// The artifact is fully written; only now may the original go.
	if err := os.Remove(cleanPath); err != nil {
		_ = os.Remove(compressedPath)
		return errors.Wrap(err, "remove original after compression")
	}

	c.mu.RLock()
	metricsHandler := c.metricsHandler
	c.mu.RUnlock()
	if metricsHandler != nil {
		metricsHandler("compression_completed")
	}
	return nil
}

func (c *CompressionManager) writeCompressed(srcPath, dstPath string, algorithm CompressionAlgorithm) error {
	src, err := os.Open(srcPath) // #nosec G304 - path came from our own rotation
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G302 - log files need to be readable
	if err != nil {
		return errors.Wrap(err, "create compressed file")
	}

	var cw io.WriteCloser
	switch algorithm {
	case CompressionGzip:
		cw = gzip.NewWriter(dst)
	case CompressionLZ4:
		cw = lz4.NewWriter(dst)
	default:
		_ = dst.Close()
		return errors.Errorf("unsupported compression algorithm: %v", algorithm)
	}

	if _, err := io.Copy(cw, src); err != nil {
		_ = cw.Close()
		_ = dst.Close()
		return errors.Wrap(err, "compress file")
	}
	if err := cw.Close(); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, "finalize compressed stream")
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, "sync compressed file")
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "close compressed file")
	}
	return nil
}

// Decompress opens a compressed archive for reading, detecting the
// algorithm from the file extension. Used by tests and recovery tooling.
func Decompress(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) // #nosec G304 - caller controls the path
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	switch filepath.Ext(path) {
	case ".gz":
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "open gzip stream")
		}
		return &decompressReader{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case ".lz4":
		return &decompressReader{Reader: lz4.NewReader(f), closers: []io.Closer{f}}, nil
	}
	return f, nil
}

type decompressReader struct {
	io.Reader
	closers []io.Closer
}

func (d *decompressReader) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CompressionManager) reportError(source, path, msg string, err error) {
	c.mu.RLock()
	handler := c.errorHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(source, path, msg, err)
	}
}
