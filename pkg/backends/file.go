package backends

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/logstream/pkg/features"
	"github.com/wayneeseguin/logstream/pkg/formatters"
	"github.com/wayneeseguin/logstream/pkg/types"
)

// ActiveFileName is the fixed name of the active log file inside the
// output directory. Rotated files get a timestamp suffix appended.
const ActiveFileName = "logstream.log"

// DefaultWriteBufferSize sizes the buffered writer in front of the active
// file.
const DefaultWriteBufferSize = 32 * 1024

// FileBackendOptions configures a FileBackend.
type FileBackendOptions struct {
	// Directory is the output directory; the active file lives at
	// Directory/ActiveFileName.
	Directory string

	// Formatter encodes entries into lines. Required.
	Formatter formatters.Formatter

	// MaxFileSize triggers rotation when the next record would push the
	// active file past this many bytes. Zero disables rotation.
	MaxFileSize int64

	// RotationEnabled gates size-based rotation independently of
	// MaxFileSize.
	RotationEnabled bool

	// Rotation handles rename naming and retention. Required when
	// RotationEnabled.
	Rotation *features.RotationManager

	// Compression receives rotated paths. May be nil.
	Compression *features.CompressionManager

	// ErrorHandler receives non-fatal failures. May be nil.
	ErrorHandler features.ErrorHandler

	// OnWrite is called with the byte count of each persisted record.
	// May be nil.
	OnWrite func(n int)
}

type fileWriteRequest struct {
	entry *types.LogEntry
	flush bool
	errCh chan error
}

// FileBackend is the durability backbone. A single worker goroutine owns
// the active file handle and all rotation state; every write and rotation
// decision passes through it, so no lock ever guards the file itself.
type FileBackend struct {
	opts     FileBackendOptions
	path     string
	fileLock *flock.Flock

	requests chan fileWriteRequest
	stopped  chan struct{}
	workerWg sync.WaitGroup
	stopOnce sync.Once

	// Owned exclusively by the worker goroutine.
	file      *os.File
	writer    *bufio.Writer
	size      int64
	createdAt time.Time
}

// NewFileBackend opens the active file and starts the owning worker. The
// output directory is created if missing; failure to create or lock it is
// a startup error.
func NewFileBackend(opts FileBackendOptions) (*FileBackend, error) {
	if opts.Formatter == nil {
		return nil, errors.New("file backend requires a formatter")
	}
	if opts.RotationEnabled && opts.Rotation == nil {
		return nil, errors.New("rotation enabled without a rotation manager")
	}
	if opts.Rotation != nil && opts.Compression != nil {
		opts.Rotation.SetCompressionCallback(opts.Compression.QueueFile)
	}

	// #nosec G301 - log directories need to be readable by operators
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	path := filepath.Join(opts.Directory, ActiveFileName)

	// The advisory lock keeps a second server instance from interleaving
	// writes into the same active file.
	fileLock := flock.New(path + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock output directory")
	}
	if !locked {
		return nil, errors.Errorf("output file %s is locked by another process", path)
	}

	fb := &FileBackend{
		opts:     opts,
		path:     path,
		fileLock: fileLock,
		requests: make(chan fileWriteRequest),
		stopped:  make(chan struct{}),
	}
	if err := fb.openActive(); err != nil {
		_ = fileLock.Unlock()
		return nil, err
	}

	fb.workerWg.Add(1)
	go fb.run()
	return fb, nil
}

// Name implements Backend.
func (fb *FileBackend) Name() string { return "file" }

// Path returns the active file path.
func (fb *FileBackend) Path() string { return fb.path }

// Write submits one entry to the owning worker and waits for the result,
// so callers observe file errors synchronously and submissions from one
// goroutine stay ordered.
func (fb *FileBackend) Write(entry *types.LogEntry) error {
	req := fileWriteRequest{entry: entry, errCh: make(chan error, 1)}
	select {
	case fb.requests <- req:
		return <-req.errCh
	case <-fb.stopped:
		return errors.New("file backend is closed")
	}
}

// Flush forces buffered data to disk via the worker.
func (fb *FileBackend) Flush() error {
	req := fileWriteRequest{flush: true, errCh: make(chan error, 1)}
	select {
	case fb.requests <- req:
		return <-req.errCh
	case <-fb.stopped:
		return errors.New("file backend is closed")
	}
}

// Close stops the worker, flushes, closes the active file and releases
// the directory lock. In-flight writes complete first.
func (fb *FileBackend) Close() error {
	fb.stopOnce.Do(func() { close(fb.stopped) })
	fb.workerWg.Wait()
	return fb.fileLock.Unlock()
}

func (fb *FileBackend) openActive() error {
	// #nosec G304 - path is derived from the configured output directory
	file, err := os.OpenFile(fb.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open active log file")
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return errors.Wrap(err, "stat active log file")
	}
	fb.file = file
	fb.writer = bufio.NewWriterSize(file, DefaultWriteBufferSize)
	fb.size = info.Size()
	fb.createdAt = time.Now().UTC()
	return nil
}

func (fb *FileBackend) run() {
	defer fb.workerWg.Done()
	for {
		select {
		case req := <-fb.requests:
			req.errCh <- fb.handle(req)
		case <-fb.stopped:
			// Serve requests that won the race with shutdown, then
			// close down the file.
			for {
				select {
				case req := <-fb.requests:
					req.errCh <- fb.handle(req)
				default:
					fb.shutdown()
					return
				}
			}
		}
	}
}

func (fb *FileBackend) handle(req fileWriteRequest) error {
	if req.flush {
		if err := fb.writer.Flush(); err != nil {
			return errors.Wrap(err, "flush active log file")
		}
		return errors.Wrap(fb.file.Sync(), "sync active log file")
	}

	data, err := fb.opts.Formatter.Format(req.entry)
	if err != nil {
		return errors.Wrap(err, "format entry")
	}

	// Rotate before the write so the triggering record lands in the
	// fresh file; a record is never split across files.
	if fb.rotationDue(int64(len(data))) {
		if err := fb.rotate(); err != nil {
			fb.reportError("rotate", fb.path, "Rotation failed, continuing on current file", err)
		}
	}

	n, err := fb.writer.Write(data)
	if err != nil {
		return errors.Wrap(err, "write entry")
	}
	if err := fb.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush entry")
	}
	fb.size += int64(n)
	if fb.opts.OnWrite != nil {
		fb.opts.OnWrite(n)
	}
	return nil
}

func (fb *FileBackend) rotationDue(recordLen int64) bool {
	if !fb.opts.RotationEnabled || fb.opts.MaxFileSize <= 0 {
		return false
	}
	// An empty active file accepts even an oversized record: rotating
	// would just produce an empty archive.
	return fb.size > 0 && fb.size+recordLen > fb.opts.MaxFileSize
}

func (fb *FileBackend) rotate() error {
	if err := fb.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush before rotation")
	}
	if err := fb.file.Close(); err != nil {
		return errors.Wrap(err, "close before rotation")
	}
	if _, err := fb.opts.Rotation.Rotate(); err != nil {
		// The rename failed; reopen the old file and keep appending
		// rather than dropping entries.
		if reopenErr := fb.openActive(); reopenErr != nil {
			return errors.Wrap(reopenErr, "reopen after failed rotation")
		}
		return err
	}
	return fb.openActive()
}

func (fb *FileBackend) shutdown() {
	if err := fb.writer.Flush(); err != nil {
		fb.reportError("close", fb.path, "Flush on close failed", err)
	}
	if err := fb.file.Sync(); err != nil {
		fb.reportError("close", fb.path, "Sync on close failed", err)
	}
	if err := fb.file.Close(); err != nil {
		fb.reportError("close", fb.path, "Close failed", err)
	}
}

func (fb *FileBackend) reportError(source, path, msg string, err error) {
	if fb.opts.ErrorHandler != nil {
		fb.opts.ErrorHandler(source, path, msg, err)
	}
}
