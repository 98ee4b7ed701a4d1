package sink

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/strawlab/microfview/errors"
)

// File writes the run schema and every stored record as JSON Lines, one
// object per line. Each line carries a "type" field ("open", "store") so a
// reader can tell schema and record lines apart.
type File struct {
	path       string
	appendMode bool
	logger     *slog.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	opened bool
	closed bool

	written int64
}

// FileOption configures a File sink.
type FileOption func(*File)

// WithAppend opens the output file in append mode instead of truncating.
func WithAppend() FileOption {
	return func(f *File) { f.appendMode = true }
}

// NewFile creates a JSON Lines sink writing to path. The parent directory is
// created on Open if it does not exist.
func NewFile(path string, logger *slog.Logger, opts ...FileOption) *File {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: path, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type fileLine struct {
	Type   string  `json:"type"`
	Schema *Schema `json:"schema,omitempty"`
	Record *Record `json:"record,omitempty"`
}

// Open implements Sink.
func (f *File) Open(schema Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.opened {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "File", "Open", "already open")
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapFatal(err, "File", "Open", "create output directory")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if f.appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(f.path, flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "File", "Open", "open output file")
	}

	f.file = file
	f.writer = bufio.NewWriter(file)
	f.opened = true

	if err := f.writeLine(fileLine{Type: "open", Schema: &schema}); err != nil {
		return err
	}

	f.logger.Info("file sink opened", "path", f.path, "append", f.appendMode)
	return nil
}

// BeginFrame implements Sink. The file sink has no per-frame preamble.
func (f *File) BeginFrame(int64, time.Time) error { return nil }

// Store implements Sink.
func (f *File) Store(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened || f.closed {
		return errors.WrapInvalid(errors.ErrSinkClosed, "File", "Store", "store on closed sink")
	}

	if err := f.writeLine(fileLine{Type: "store", Record: &rec}); err != nil {
		return err
	}
	f.written++
	return nil
}

// EndFrame implements Sink. The buffer is flushed so a crash between frames
// loses at most the current frame's records.
func (f *File) EndFrame() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened || f.closed {
		return NoKey, nil
	}
	if err := f.writer.Flush(); err != nil {
		return NoKey, errors.WrapTransient(err, "File", "EndFrame", "flush")
	}
	return NoKey, nil
}

// Close implements Sink.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened || f.closed {
		return nil
	}
	f.closed = true

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = errors.Wrap(err, "File", "Close", "flush")
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "File", "Close", "close file")
	}

	f.logger.Info("file sink closed", "path", f.path, "records_written", f.written)
	return firstErr
}

// writeLine marshals and writes one JSON line. Callers hold f.mu.
func (f *File) writeLine(line fileLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return errors.WrapInvalid(err, "File", "writeLine", "marshal line")
	}
	data = append(data, '\n')
	if _, err := f.writer.Write(data); err != nil {
		return errors.WrapTransient(err, "File", "writeLine", "write line")
	}
	return nil
}
