// Package features implements the rotation/retention and compression
// machinery behind the file backend.
package features

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RotationTimeFormat is the timestamp suffix appended to rotated files.
// The format is sortable and includes millisecond precision to avoid
// collisions. Example: "20240115-143052.123".
const RotationTimeFormat = "20060102-150405.000"

// ErrorHandler receives failures from background rotation and compression
// work. It must be safe for concurrent use.
type ErrorHandler func(source, path, msg string, err error)

// RotationManager owns rotation naming and archive retention for one
// active log file. Retention removes an archived file when it violates
// either the age limit or the count limit (the union of both rules); the
// active file never counts against the limits.
type RotationManager struct {
	mu              sync.RWMutex
	maxAge          time.Duration
	maxFiles        int
	cleanupInterval time.Duration
	cleanupTicker   *time.Ticker
	cleanupDone     chan struct{}
	cleanupWg       sync.WaitGroup
	errorHandler    ErrorHandler
	metricsHandler  func(string)

	// compressionCallback queues a freshly rotated file for compression.
	compressionCallback func(path string)

	logPath string
}

// NewRotationManager creates a rotation manager for the given active file
// path.
func NewRotationManager(logPath string) *RotationManager {
	return &RotationManager{
		logPath:         logPath,
		cleanupInterval: time.Hour,
	}
}

// SetErrorHandler sets the error handling function.
func (r *RotationManager) SetErrorHandler(handler ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorHandler = handler
}

// SetMetricsHandler sets the metrics tracking function.
func (r *RotationManager) SetMetricsHandler(handler func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metricsHandler = handler
}

// SetCompressionCallback sets the callback invoked with each rotated path.
func (r *RotationManager) SetCompressionCallback(callback func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressionCallback = callback
}

// SetMaxAge sets the maximum archived-file age. Zero disables the age rule.
func (r *RotationManager) SetMaxAge(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = d
}

// SetMaxFiles sets how many archived files to keep. Zero disables the
// count rule.
func (r *RotationManager) SetMaxFiles(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxFiles = count
}

// SetCleanupInterval sets the retention sweep cadence.
func (r *RotationManager) SetCleanupInterval(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupInterval = interval
}

// Start launches the periodic retention sweep. The sweep runs on its own
// cadence, independent of write traffic.
func (r *RotationManager) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanupTicker != nil || (r.maxAge == 0 && r.maxFiles == 0) {
		return
	}

	r.cleanupTicker = time.NewTicker(r.cleanupInterval)
	r.cleanupDone = make(chan struct{})

	r.cleanupWg.Add(1)
	go func() {
		defer r.cleanupWg.Done()
		for {
			select {
			case <-r.cleanupTicker.C:
				if err := r.RunCleanup(); err != nil {
					r.reportError("cleanup", r.logPath, "Retention sweep failed", err)
				}
			case <-r.cleanupDone:
				return
			}
		}
	}()
}

// Stop stops the retention sweep and waits for it to exit.
func (r *RotationManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanupTicker == nil {
		return
	}
	r.cleanupTicker.Stop()
	close(r.cleanupDone)
	r.cleanupWg.Wait()
	r.cleanupTicker = nil
	r.cleanupDone = nil
}

// Rotate renames the active file with a UTC timestamp suffix and queues it
// for compression. The caller must have closed the file first; the rename
// is what makes rotation atomic to external readers.
func (r *RotationManager) Rotate() (string, error) {
	cleanPath := filepath.Clean(r.logPath)
	timestamp := time.Now().UTC().Format(RotationTimeFormat)
	rotatedPath := fmt.Sprintf("%s.%s", cleanPath, timestamp)

	if err := os.Rename(cleanPath, rotatedPath); err != nil {
		return "", errors.Wrap(err, "rotate log file")
	}

	r.mu.RLock()
	compressionCallback := r.compressionCallback
	metricsHandler := r.metricsHandler
	r.mu.RUnlock()

	if compressionCallback != nil {
		compressionCallback(rotatedPath)
	}
	if metricsHandler != nil {
		metricsHandler("rotation_completed")
	}

	return rotatedPath, nil
}

// ArchivedFile describes one rotated file found next to the active file.
type ArchivedFile struct {
	Path         string
	Name         string
	Size         int64
	RotationTime time.Time
	Compressed   bool
}

// archivePattern matches "base.YYYYMMDD-HHMMSS.sss" with an optional
// compression extension.
func (r *RotationManager) archivePattern() *regexp.Regexp {
	base := filepath.Base(r.logPath)
	return regexp.MustCompile(fmt.Sprintf(`^%s\.(\d{8}-\d{6}\.\d{3})(?:\.(?:gz|lz4))?$`, regexp.QuoteMeta(base)))
}

// ArchivedFiles returns the rotated files for the managed path, newest
// first.
func (r *RotationManager) ArchivedFiles() ([]ArchivedFile, error) {
	dir := filepath.Dir(r.logPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read log directory")
	}

	pattern := r.archivePattern()
	var archived []ArchivedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		rotationTime, err := time.Parse(RotationTimeFormat, matches[1])
		if err != nil {
			r.reportError("cleanup", entry.Name(), "Malformed rotation timestamp", err)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ext := filepath.Ext(entry.Name())
		archived = append(archived, ArchivedFile{
			Path:         filepath.Join(dir, entry.Name()),
			Name:         entry.Name(),
			Size:         info.Size(),
			RotationTime: rotationTime,
			Compressed:   ext == ".gz" || ext == ".lz4",
		})
	}

	sort.Slice(archived, func(i, j int) bool {
		return archived[i].RotationTime.After(archived[j].RotationTime)
	})
	return archived, nil
}

// RunCleanup performs one retention pass: archived files older than the
// age limit or ranked beyond the count limit are removed. Individual
// removal failures are reported and do not abort the pass.
func (r *RotationManager) RunCleanup() error {
	r.mu.RLock()
	maxAge := r.maxAge
	maxFiles := r.maxFiles
	r.mu.RUnlock()

	if maxAge == 0 && maxFiles == 0 {
		return nil
	}

	archived, err := r.ArchivedFiles()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, file := range archived {
		expired := maxAge > 0 && now.Sub(file.RotationTime) > maxAge
		excess := maxFiles > 0 && i >= maxFiles
		if !expired && !excess {
			continue
		}
		if err := os.Remove(file.Path); err != nil {
			r.reportError("cleanup", file.Path, "Failed to remove archived log file", err)
			continue
		}
		if handler := r.metrics(); handler != nil {
			handler("cleanup_completed")
		}
	}
	return nil
}

func (r *RotationManager) metrics() func(string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metricsHandler
}

func (r *RotationManager) reportError(source, path, msg string, err error) {
	r.mu.RLock()
	handler := r.errorHandler
	r.mu.RUnlock()
	if handler != nil {
		handler(source, path, msg, err)
	}
}
