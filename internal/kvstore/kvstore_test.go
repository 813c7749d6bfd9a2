package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/five82/tether/internal/config"
	"github.com/five82/tether/internal/logging"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFile(filepath.Join(dir, "state.json"), logging.Discard())
	require.NoError(t, err)
	db, err := OpenSQLite(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Backend{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": db,
	}
}

func TestBackends_GetSetDelete(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := kv.Get(ctx, "serverPort")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, kv.Set(ctx, "serverPort", []byte(`9090`)))
			v, ok, err := kv.Get(ctx, "serverPort")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `9090`, string(v))

			require.NoError(t, kv.Set(ctx, "serverPort", []byte(`9093`)))
			v, _, err = kv.Get(ctx, "serverPort")
			require.NoError(t, err)
			require.JSONEq(t, `9093`, string(v))

			require.NoError(t, kv.Delete(ctx, "serverPort", "missing"))
			_, ok, err = kv.Get(ctx, "serverPort")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestBackends_SetMany(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, kv.SetMany(ctx, map[string][]byte{
				"theme":       []byte(`"light"`),
				"buttonState": []byte(`{"position":{"x":3,"y":4},"visible":false}`),
			}))

			theme, ok, err := kv.Get(ctx, "theme")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `"light"`, string(theme))

			button, ok, err := kv.Get(ctx, "buttonState")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"position":{"x":3,"y":4},"visible":false}`, string(button))
		})
	}
}

func TestBackends_CancelledContext(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.Error(t, kv.Set(ctx, "theme", []byte(`"dark"`)))
		})
	}
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	ctx := context.Background()

	first, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "serverPort", []byte(`9091`)))

	second, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	v, ok, err := second.Get(ctx, "serverPort")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `9091`, string(v))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"state.json", "state.json.lock"}, names, "temp files must not be left behind")
}

func TestFile_ConcurrentWritersKeepEachOthersKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	worker, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	popup, err := NewFile(path, logging.Discard())
	require.NoError(t, err)

	const rounds = 100
	ctx := context.Background()
	errs := make(chan error, 2*rounds)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range rounds {
			errs <- worker.Set(ctx, "serverPort", []byte(strconv.Itoa(9000+i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range rounds {
			errs <- popup.Set(ctx, "theme", []byte(fmt.Sprintf(`"t%d"`, i)))
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	port, ok, err := popup.Get(ctx, "serverPort")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, strconv.Itoa(9000+rounds-1), string(port))

	theme, ok, err := worker.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, fmt.Sprintf(`"t%d"`, rounds-1), string(theme))
}

func TestFile_DeleteKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	a, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	b, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "serverPort", []byte(`9090`)))
	require.NoError(t, b.Set(ctx, "theme", []byte(`"dark"`)))
	require.NoError(t, a.Delete(ctx, "serverPort"))

	_, ok, err := b.Get(ctx, "serverPort")
	require.NoError(t, err)
	require.False(t, ok)
	theme, ok, err := a.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"dark"`, string(theme))
}

func TestFile_RejectsInvalidJSON(t *testing.T) {
	kv, err := NewFile(filepath.Join(t.TempDir(), "state.json"), logging.Discard())
	require.NoError(t, err)
	require.Error(t, kv.Set(context.Background(), "theme", []byte(`not json`)))
}

func TestFile_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	kv, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	_, _, err = kv.Get(context.Background(), "theme")
	require.ErrorContains(t, err, "decode kv file")
}

func TestFile_WatchSeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	watcher, err := NewFile(path, logging.Discard())
	require.NoError(t, err)
	watcher.debounce = 10 * time.Millisecond
	watcher.pollInterval = 20 * time.Millisecond

	writer, err := NewFile(path, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- watcher.Watch(ctx, func() { changes.Add(1) }) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, writer.Set(context.Background(), "serverPort", []byte(`9092`)))

	require.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestMemory_WatchAndWrites(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	go func() { _ = m.Watch(ctx, func() { changes.Add(1) }) }()
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Set(context.Background(), "theme", []byte(`"dark"`)))
	require.Eventually(t, func() bool { return changes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Identical value is not a write.
	require.NoError(t, m.Set(context.Background(), "theme", []byte(`"dark"`)))
	require.Equal(t, 1, m.Writes())
	require.Equal(t, []string{"theme"}, m.Keys())
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, _, err := m.Get(context.Background(), "theme")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, m.Set(context.Background(), "theme", []byte(`"dark"`)), ErrClosed)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	kv, err := Open(config.Store{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	require.IsType(t, &Memory{}, kv)

	kv, err = Open(config.Store{Backend: config.BackendFile, Path: filepath.Join(dir, "s.json")}, nil)
	require.NoError(t, err)
	require.IsType(t, &File{}, kv)

	kv, err = Open(config.Store{Backend: config.BackendSQLite, Path: filepath.Join(dir, "s.db")}, nil)
	require.NoError(t, err)
	require.IsType(t, &SQLite{}, kv)
	require.NoError(t, kv.Close())

	_, err = Open(config.Store{Backend: "redis"}, nil)
	require.ErrorContains(t, err, "unknown backend")
}
