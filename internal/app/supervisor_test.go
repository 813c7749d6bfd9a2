package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/five82/tether/internal/bus"
	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/kvstore"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/persist"
	"github.com/five82/tether/internal/state"
)

// portSet is a mutable fake daemon: Probe succeeds for ports in the set.
type portSet struct {
	mu    sync.Mutex
	up    map[int]bool
	calls []int
}

func newPortSet(ports ...int) *portSet {
	p := &portSet{up: map[int]bool{}}
	for _, port := range ports {
		p.up[port] = true
	}
	return p
}

func (p *portSet) Probe(_ context.Context, port int, _ time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, port)
	return p.up[port]
}

func (p *portSet) set(ports ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.up = map[int]bool{}
	for _, port := range ports {
		p.up[port] = true
	}
}

func (p *portSet) reset() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = nil
	return calls
}

type harness struct {
	store  *state.Store
	kv     *kvstore.Memory
	bridge *persist.Bridge
	bus    *bus.Local
	ports  *portSet
	sup    *Supervisor
}

func newHarness(t *testing.T, up ...int) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{
		store: state.New(logger),
		kv:    kvstore.NewMemory(),
		bus:   bus.NewLocal(logger),
		ports: newPortSet(up...),
	}
	t.Cleanup(func() { _ = h.bus.Close() })
	h.bridge = persist.New(h.store, h.kv, logger, persist.WithOwnedKeys(workerKeys...))

	rng, err := discovery.NewRange(9090, 9099)
	require.NoError(t, err)
	opts := discovery.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.MaxBackoff = 8 * time.Second

	h.sup = NewSupervisor(SupervisorConfig{
		Store:      h.store,
		Bridge:     h.bridge,
		Bus:        h.bus,
		Prober:     h.ports,
		Range:      rng,
		Options:    opts,
		Backoff:    discovery.Backoff{Base: time.Second, Max: 8 * time.Second},
		Revalidate: time.Hour,
		Logger:     logger,
	})
	return h
}

func TestAttempt_ColdStart(t *testing.T) {
	h := newHarness(t, 9092)

	var progress []state.Progress
	h.store.Subscribe(state.ScanProgressChanged, func(ev state.Event) {
		if job := ev.State.Server.Scan; job != nil && job.Progress.Total > 0 {
			progress = append(progress, job.Progress)
		}
	})

	res, err := h.sup.Attempt(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 9092, res.Port)
	require.False(t, res.CacheHit)

	snap := h.store.Snapshot()
	require.True(t, snap.Connected())
	require.Equal(t, 9092, *snap.Server.Port)
	require.Equal(t, 9092, *snap.Cache.Port)
	require.Equal(t, time.Second, snap.Server.Backoff)
	require.False(t, snap.Server.ScanInProgress)
	require.Nil(t, snap.Server.Scan)
	require.Equal(t, []state.Progress{{Current: 5, Total: 10}}, progress)
}

func TestAttempt_CacheHitProbesOnce(t *testing.T) {
	h := newHarness(t, 9091, 9095)
	h.store.Patch(state.Patch{Cache: &state.CachePatch{Port: state.Ptr(9095)}})

	res, err := h.sup.Attempt(context.Background(), false)
	require.NoError(t, err)
	require.True(t, res.CacheHit)
	require.Equal(t, 9095, res.Port)
	require.Equal(t, []int{9095}, h.ports.reset())
}

func TestAttempt_StaleCacheOverwritten(t *testing.T) {
	h := newHarness(t, 9093)
	require.NoError(t, h.kv.Set(context.Background(), persist.KeyServerPort, []byte(`9090`)))
	h.bridge.LoadFromStore(context.Background())

	res, err := h.sup.Attempt(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 9093, res.Port)
	require.Equal(t, 9093, *h.store.Snapshot().Cache.Port)

	h.bridge.SaveToStore(context.Background())
	v, ok, err := h.kv.Get(context.Background(), persist.KeyServerPort)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `9093`, string(v))
}

func TestAttempt_BackoffGrowsAndResets(t *testing.T) {
	h := newHarness(t)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		_, err := h.sup.Attempt(context.Background(), false)
		require.ErrorIs(t, err, discovery.ErrNotFound)
		snap := h.store.Snapshot()
		require.Equal(t, i+1, snap.Server.ConsecutiveFailures)
		require.Equal(t, w, snap.Server.Backoff, "after %d failures", i+1)
		require.Equal(t, state.StatusDisconnected, snap.Server.Status)
		require.Nil(t, snap.Server.Port)
		require.NotEmpty(t, snap.Server.LastError)
	}

	h.ports.set(9097)
	_, err := h.sup.Attempt(context.Background(), false)
	require.NoError(t, err)
	snap := h.store.Snapshot()
	require.Equal(t, time.Second, snap.Server.Backoff)
	require.Zero(t, snap.Server.ConsecutiveFailures)
	require.Empty(t, snap.Server.LastError)
}

func TestAttempt_FailureInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	h.store.Patch(state.Patch{Cache: &state.CachePatch{Port: state.Ptr(9090)}})

	_, err := h.sup.Attempt(context.Background(), false)
	require.ErrorIs(t, err, discovery.ErrNotFound)
	require.Nil(t, h.store.Snapshot().Cache.Port)
}

func TestAttempt_SecondScanRefused(t *testing.T) {
	h := newHarness(t, 9090)
	require.True(t, h.store.BeginScan(state.ScanJob{ID: "other"}))

	_, err := h.sup.Attempt(context.Background(), false)
	require.ErrorIs(t, err, discovery.ErrScanInProgress)
	require.ErrorIs(t, err, discovery.ErrCancelled)
	require.Empty(t, h.ports.reset(), "refused scan must not probe")
	require.Equal(t, "other", h.store.Snapshot().Server.Scan.ID)
}

func TestAttempt_CancelledLeavesNoTrace(t *testing.T) {
	h := newHarness(t, 9090)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.sup.Attempt(ctx, false)
	require.True(t, errors.Is(err, discovery.ErrCancelled))
	snap := h.store.Snapshot()
	require.False(t, snap.Server.ScanInProgress)
	require.Equal(t, state.StatusDisconnected, snap.Server.Status)
	require.Zero(t, snap.Server.ConsecutiveFailures)
}

func TestOverridePort(t *testing.T) {
	h := newHarness(t)

	res := h.sup.OverridePort(70000)
	require.False(t, res.Valid)
	require.Equal(t, "Port must be between 1 and 65535", res.Error)
	require.Nil(t, h.store.Snapshot().Cache.Port)

	res = h.sup.OverridePort(9098)
	require.True(t, res.Valid)
	require.Nil(t, h.store.Snapshot().Cache.Port, "an unchecked port is not a cache entry")
	select {
	case req := <-h.sup.requests:
		require.False(t, req.force)
	default:
		t.Fatal("override must request a discovery")
	}
}

func TestAttempt_OverrideTriedFirstAndCachedWhenHealthy(t *testing.T) {
	h := newHarness(t, 12345)
	ctx := context.Background()
	stop := h.bridge.AutoSave(ctx)

	h.sup.OverridePort(12345)
	res, err := h.sup.Attempt(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 12345, res.Port)
	require.True(t, res.CacheHit)
	require.Equal(t, []int{12345}, h.ports.reset())
	require.Equal(t, 12345, *h.store.Snapshot().Cache.Port)

	stop()
	raw, ok, err := h.kv.Get(ctx, persist.KeyServerPort)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `12345`, string(raw))

	require.Nil(t, h.sup.takeOverride(), "the override is used once")
}

func TestAttempt_UnreachableOverrideNeverPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stop := h.bridge.AutoSave(ctx)

	h.sup.OverridePort(12345)
	_, err := h.sup.Attempt(ctx, false)
	require.ErrorIs(t, err, discovery.ErrNotFound)
	require.Equal(t, 12345, h.ports.reset()[0])
	require.Nil(t, h.store.Snapshot().Cache.Port)

	stop()
	_, ok, err := h.kv.Get(ctx, persist.KeyServerPort)
	require.NoError(t, err)
	require.False(t, ok, "override must not be saved before a health check passes")
	require.Nil(t, h.sup.takeOverride())
}

func TestAttempt_RefusedScanKeepsOverride(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.store.BeginScan(state.ScanJob{ID: "other"}))

	h.sup.OverridePort(9097)
	_, err := h.sup.Attempt(context.Background(), false)
	require.ErrorIs(t, err, discovery.ErrScanInProgress)
	require.Equal(t, 9097, *h.sup.takeOverride())
}

func TestCheck_FailureInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	h.store.Patch(state.Patch{
		Server: &state.ServerPatch{Port: state.Ptr(9090), Status: state.Ptr(state.StatusConnected)},
		Cache:  &state.CachePatch{Port: state.Ptr(9090)},
	})

	require.False(t, h.sup.check(context.Background(), 9090))
	snap := h.store.Snapshot()
	require.Equal(t, state.StatusDisconnected, snap.Server.Status)
	require.Nil(t, snap.Server.Port)
	require.Nil(t, snap.Cache.Port, "a port that failed its health check is not a cache candidate")
}

func TestRequest_MergesAndUpgrades(t *testing.T) {
	h := newHarness(t)
	h.sup.Request(false)
	h.sup.Request(false)
	h.sup.Request(true)

	req := <-h.sup.requests
	require.True(t, req.force)
	select {
	case <-h.sup.requests:
		t.Fatal("requests must be merged")
	default:
	}
}

type busRecorder struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (r *busRecorder) handle(env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *busRecorder) ofType(t bus.EventType) []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Envelope
	for _, env := range r.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestRun_DiscoversPersistsAndBroadcasts(t *testing.T) {
	h := newHarness(t, 9094)
	var rec busRecorder
	h.bus.Subscribe(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.ofType(bus.ServerDiscovered)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v, ok, _ := h.kv.Get(context.Background(), persist.KeyServerPort)
		return ok && string(v) == "9094"
	}, 2*time.Second, 5*time.Millisecond)

	var discovered bus.DiscoveredPayload
	require.NoError(t, rec.ofType(bus.ServerDiscovered)[0].Decode(&discovered))
	require.Equal(t, 9094, discovered.Port)

	require.Eventually(t, func() bool {
		for _, env := range rec.ofType(bus.ServerStatusUpdate) {
			var p bus.StatusPayload
			if env.Decode(&p) == nil && p.Status == "connected" && p.Port != nil && *p.Port == 9094 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_RescanRequestFromBus(t *testing.T) {
	h := newHarness(t)
	// Long backoff so only the bus request can trigger the second attempt.
	h.sup.backoff = discovery.Backoff{Base: time.Hour, Max: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Snapshot().Server.ConsecutiveFailures == 1 }, 2*time.Second, 5*time.Millisecond)

	h.ports.set(9099)
	require.NoError(t, bus.Publish(context.Background(), h.bus, bus.RescanRequested, "popup", bus.RescanPayload{Force: true}))

	require.Eventually(t, func() bool { return h.store.Snapshot().Connected() }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 9099, *h.store.Snapshot().Server.Port)
}

func TestRun_RevalidationDetectsLoss(t *testing.T) {
	h := newHarness(t, 9090)
	h.sup.revalidate = 20 * time.Millisecond
	h.sup.backoff = discovery.Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sup.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Snapshot().Connected() }, 2*time.Second, 5*time.Millisecond)

	var (
		mu       sync.Mutex
		lostWith []*int
	)
	h.store.Subscribe(state.ServerStatusChanged, func(ev state.Event) {
		if ev.State.Server.Status != state.StatusDisconnected {
			return
		}
		mu.Lock()
		lostWith = append(lostWith, ev.State.Cache.Port)
		mu.Unlock()
	})

	h.ports.set(9096)
	require.Eventually(t, func() bool {
		snap := h.store.Snapshot()
		return snap.Connected() && *snap.Server.Port == 9096
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lostWith)
	require.Nil(t, lostWith[0], "loss must clear the cached port before rediscovery")
}

func TestHandleMessage_IgnoresOwnAndSync(t *testing.T) {
	h := newHarness(t)
	h.store.Patch(state.Patch{Server: &state.ServerPatch{Port: state.Ptr(9091), Status: state.Ptr(state.StatusConnected)}})

	var rec busRecorder
	h.bus.Subscribe(rec.handle)

	env, err := bus.NewEnvelope(bus.RescanRequested, SourceWorker, bus.RescanPayload{})
	require.NoError(t, err)
	h.sup.handleMessage(env)
	require.Empty(t, h.sup.requests)

	env, err = bus.NewEnvelope(bus.SyncRequested, "popup", nil)
	require.NoError(t, err)
	h.sup.handleMessage(env)

	require.Eventually(t, func() bool { return len(rec.ofType(bus.ServerStatusUpdate)) == 1 }, time.Second, 5*time.Millisecond)
	var p bus.StatusPayload
	require.NoError(t, rec.ofType(bus.ServerStatusUpdate)[0].Decode(&p))
	require.Equal(t, "connected", p.Status)
	require.Equal(t, 9091, *p.Port)
}
