package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"github.com/five82/tether/internal/logging"
)

const (
	// DefaultDebounce collapses bursts of filesystem events into one change.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultPollInterval is used when fsnotify is unavailable.
	DefaultPollInterval = 2 * time.Second
	// DefaultLockRetry is how often a writer retries a held document lock.
	DefaultLockRetry = 5 * time.Millisecond
)

// File stores every key in one JSON document. Writes replace the document
// atomically (temp file + rename) so concurrent readers in other processes
// see either the old or the new projection. Writers in every process
// serialize on an advisory lock file next to the document, so a write only
// replaces its own keys.
type File struct {
	path   string
	logger *slog.Logger
	lock   *flock.Flock

	mu     sync.Mutex
	closed bool

	debounce     time.Duration
	pollInterval time.Duration
}

// NewFile returns a File backend at path, creating the parent directory.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("open kv file: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open kv file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("open kv file: %w", err)
	}
	return &File{
		path:         abs,
		logger:       logging.OrDefault(logger),
		lock:         flock.New(abs + ".lock"),
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
	}, nil
}

// Path returns the absolute document path.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, ErrClosed
	}
	doc, err := f.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc[key]
	return []byte(v), ok, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	return f.SetMany(ctx, map[string][]byte{key: value})
}

// SetMany rewrites the document once with every value applied.
func (f *File) SetMany(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("set %s: value is not valid JSON", k)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.update(ctx, func(doc map[string]json.RawMessage) bool {
		for k, v := range values {
			doc[k] = json.RawMessage(v)
		}
		return true
	})
}

func (f *File) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.update(ctx, func(doc map[string]json.RawMessage) bool {
		before := len(doc)
		for _, k := range keys {
			delete(doc, k)
		}
		return len(doc) != before
	})
}

// update runs load, modify and write under the cross-process lock. modify
// reports whether the document changed. Callers hold f.mu.
func (f *File) update(ctx context.Context, modify func(map[string]json.RawMessage) bool) error {
	locked, err := f.lock.TryLockContext(ctx, DefaultLockRetry)
	if err != nil {
		return fmt.Errorf("lock kv file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock kv file: %w", ctx.Err())
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.logger.Warn("unlock kv file failed", slog.String("error", err.Error()))
		}
	}()

	doc, err := f.load()
	if err != nil {
		return err
	}
	if !modify(doc) {
		return nil
	}
	return f.write(doc)
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Watch calls onChange when another writer replaces the document. It watches
// the parent directory with fsnotify (renames replace the inode) and falls
// back to polling the file's mtime when fsnotify cannot be used.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(filepath.Dir(f.path))
		if err == nil {
			defer fsw.Close()
			return f.watchFsnotify(ctx, fsw, onChange)
		}
		fsw.Close()
	}
	f.logger.Warn("fsnotify unavailable, polling kv file",
		slog.String("path", f.path),
		slog.String("error", err.Error()),
	)
	return f.watchPolling(ctx, onChange)
}

func (f *File) watchFsnotify(ctx context.Context, fsw *fsnotify.Watcher, onChange func()) error {
	target := filepath.Base(f.path)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				timer.Reset(f.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("kv file watch error", slog.String("error", err.Error()))
		}
	}
}

func (f *File) watchPolling(ctx context.Context, onChange func()) error {
	last := f.stamp()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if now := f.stamp(); now != last {
				last = now
				onChange()
			}
		}
	}
}

type fileStamp struct {
	mtime time.Time
	size  int64
}

func (f *File) stamp() fileStamp {
	info, err := os.Stat(f.path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

func (f *File) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read kv file: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode kv file: %w", err)
	}
	return doc, nil
}

func (f *File) write(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode kv file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write kv file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write kv file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync kv file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close kv file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace kv file: %w", err)
	}
	return nil
}
