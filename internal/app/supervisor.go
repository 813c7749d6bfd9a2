package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/five82/tether/internal/bus"
	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/persist"
	"github.com/five82/tether/internal/probe"
	"github.com/five82/tether/internal/state"
	"github.com/five82/tether/internal/validate"
)

// SourceWorker identifies messages published by the worker.
const SourceWorker = "worker"

const defaultRevalidateInterval = 30 * time.Second

// SupervisorConfig holds the collaborators of a Supervisor.
type SupervisorConfig struct {
	Store      *state.Store
	Bridge     *persist.Bridge
	Bus        bus.Broadcaster
	Prober     probe.Prober
	Range      discovery.Range
	Options    discovery.Options
	Backoff    discovery.Backoff
	Revalidate time.Duration
	Logger     *slog.Logger
}

// Supervisor is the worker's discovery loop. It owns the backoff timer,
// runs at most one scan at a time, re-validates a connected port
// periodically and answers rescan/override requests from other contexts.
type Supervisor struct {
	store      *state.Store
	bridge     *persist.Bridge
	bus        bus.Broadcaster
	prober     probe.Prober
	discovery  *discovery.Service
	rng        discovery.Range
	opts       discovery.Options
	backoff    discovery.Backoff
	revalidate time.Duration
	logger     *slog.Logger

	requests chan scanRequest

	overrideMu sync.Mutex
	override   *int

	pubMu     sync.Mutex
	published bus.StatusPayload
}

type scanRequest struct {
	force bool
}

// NewSupervisor wires a Supervisor. Bridge and Bus may be nil.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Revalidate <= 0 {
		cfg.Revalidate = defaultRevalidateInterval
	}
	if cfg.Backoff == (discovery.Backoff{}) {
		cfg.Backoff = discovery.DefaultBackoff()
	}
	if cfg.Options.MaxBackoff > 0 {
		cfg.Backoff.Max = cfg.Options.MaxBackoff
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewLocal(logger)
	}
	return &Supervisor{
		store:      cfg.Store,
		bridge:     cfg.Bridge,
		bus:        cfg.Bus,
		prober:     cfg.Prober,
		discovery:  discovery.NewService(cfg.Prober, logger),
		rng:        cfg.Range,
		opts:       cfg.Options,
		backoff:    cfg.Backoff,
		revalidate: cfg.Revalidate,
		logger:     logger,
		requests:   make(chan scanRequest, 1),
	}
}

// Request asks the loop for a new discovery attempt. A request made while
// one is already pending is merged into it.
func (s *Supervisor) Request(force bool) {
	select {
	case s.requests <- scanRequest{force: force}:
	default:
		if force {
			// Upgrade the pending request.
			select {
			case <-s.requests:
			default:
			}
			select {
			case s.requests <- scanRequest{force: true}:
			default:
			}
		}
	}
}

// OverridePort validates port and requests a discovery that tries it
// first. The port only reaches the cache once a health check passes.
func (s *Supervisor) OverridePort(port int) validate.Result {
	p, res := validate.Port(strconv.Itoa(port))
	if !res.Valid {
		s.logger.Warn("rejecting port override", slog.Int("port", port), slog.String("reason", res.Error))
		return res
	}
	s.logger.Info("port override", slog.Int("port", p))
	s.overrideMu.Lock()
	s.override = &p
	s.overrideMu.Unlock()
	s.Request(false)
	return res
}

// takeOverride returns and clears the pending override.
func (s *Supervisor) takeOverride() *int {
	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()
	p := s.override
	s.override = nil
	return p
}

// Attempt runs one discovery and applies the outcome to the store. It
// returns discovery.ErrScanInProgress when another scan is active.
func (s *Supervisor) Attempt(ctx context.Context, force bool) (discovery.Result, error) {
	before := s.store.Snapshot()
	cached := before.Cache.Port
	override := s.takeOverride()
	if override != nil {
		cached = override
		force = false
	}

	job := state.ScanJob{
		ID:         uuid.NewString(),
		Candidates: s.rng.Ports(),
		BatchSize:  s.opts.BatchSize,
		Timeout:    s.opts.Timeout,
		StartedAt:  time.Now(),
		Forced:     force,
	}
	if !s.store.BeginScan(job) {
		s.restoreOverride(override)
		return discovery.Result{}, discovery.ErrScanInProgress
	}

	opts := s.opts
	opts.ForceRescan = force
	opts.Progress = s.store.UpdateScanProgress

	log := s.logger.With(slog.String("scan", job.ID))
	attrs := []any{slog.String("range", s.rng.String()), slog.Bool("force", force)}
	if cached != nil {
		attrs = append(attrs, slog.Int("cached", *cached))
	}
	log.Debug("discovery started", attrs...)

	res, err := s.discovery.Discover(ctx, cached, s.rng, opts)
	now := time.Now()

	switch {
	case err == nil:
		base := s.backoff.Reset()
		s.store.EndScan(state.Patch{
			Server: &state.ServerPatch{
				Port:                &res.Port,
				Status:              state.Ptr(state.StatusConnected),
				Backoff:             &base,
				ConsecutiveFailures: state.Ptr(0),
				LastError:           state.Ptr(""),
				LastChecked:         &now,
			},
			Cache: &state.CachePatch{Port: &res.Port, LastValidatedAt: &now},
		})
		if !res.CacheHit {
			s.publish(ctx, bus.ServerDiscovered, bus.DiscoveredPayload{Port: res.Port})
		}
		log.Info("discovery succeeded",
			slog.Int("port", res.Port),
			slog.Bool("cache_hit", res.CacheHit),
			slog.Int("probed", res.Probed),
		)
		return res, nil

	case errors.Is(err, discovery.ErrCancelled):
		// Cancelled scans leave no trace beyond clearing the job.
		s.restoreOverride(override)
		s.store.EndScan(state.Patch{Server: &state.ServerPatch{Status: &before.Server.Status}})
		log.Debug("discovery cancelled")
		return res, err

	default:
		failures := before.Server.ConsecutiveFailures + 1
		next := s.backoff.Next(failures)
		msg := err.Error()
		outcome := state.Patch{
			Server: &state.ServerPatch{
				ClearPort:           true,
				Status:              state.Ptr(state.StatusDisconnected),
				Backoff:             &next,
				ConsecutiveFailures: &failures,
				LastError:           &msg,
				LastChecked:         &now,
			},
		}
		if before.Cache.Port != nil {
			outcome.Cache = &state.CachePatch{Clear: true}
		}
		s.store.EndScan(outcome)
		log.Warn("discovery failed",
			slog.String("error", msg),
			slog.Int("failures", failures),
			slog.Duration("retry_in", next),
		)
		return res, err
	}
}

// check re-validates the connected port. It reports whether it is healthy.
func (s *Supervisor) check(ctx context.Context, port int) bool {
	ok := s.prober.Probe(ctx, port, s.opts.Timeout)
	if ctx.Err() != nil {
		return true
	}
	now := time.Now()
	if ok {
		s.store.Patch(state.Patch{
			Server: &state.ServerPatch{LastChecked: &now},
			Cache:  &state.CachePatch{LastValidatedAt: &now},
		})
		return true
	}
	msg := "health check failed"
	s.store.Patch(state.Patch{
		Server: &state.ServerPatch{
			ClearPort:   true,
			Status:      state.Ptr(state.StatusDisconnected),
			LastError:   &msg,
			LastChecked: &now,
		},
		Cache: &state.CachePatch{Clear: true},
	})
	s.logger.Warn("daemon stopped answering", slog.Int("port", port))
	return false
}

// restoreOverride puts back an override whose attempt never finished,
// unless a newer one arrived meanwhile.
func (s *Supervisor) restoreOverride(p *int) {
	if p == nil {
		return
	}
	s.overrideMu.Lock()
	defer s.overrideMu.Unlock()
	if s.override == nil {
		s.override = p
	}
}

// handleMessage reacts to requests from UI contexts.
func (s *Supervisor) handleMessage(env bus.Envelope) {
	if env.Source == SourceWorker {
		return
	}
	switch env.Type {
	case bus.RescanRequested:
		var p bus.RescanPayload
		if len(env.Payload) > 0 {
			if err := env.Decode(&p); err != nil {
				s.logger.Warn("bad rescan request", slog.String("error", err.Error()))
				return
			}
		}
		s.logger.Info("rescan requested", slog.String("source", env.Source), slog.Bool("force", p.Force))
		s.Request(p.Force)
	case bus.PortOverride:
		var p bus.PortOverridePayload
		if err := env.Decode(&p); err != nil {
			s.logger.Warn("bad port override", slog.String("error", err.Error()))
			return
		}
		s.OverridePort(p.Port)
	case bus.SyncRequested:
		s.republish()
	}
}

// broadcast turns store changes into bus messages for other contexts.
func (s *Supervisor) broadcast(ev state.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case state.ServerStatusChanged:
		payload := statusPayload(ev.State)
		s.pubMu.Lock()
		same := samePayload(s.published, payload)
		s.published = payload
		s.pubMu.Unlock()
		if !same {
			s.publish(ctx, bus.ServerStatusUpdate, payload)
		}
	case state.DownloadQueueChanged, state.DownloadActiveChanged:
		s.publish(ctx, bus.DownloadQueueChanged, bus.QueuePayload{
			Queue:  ev.State.Downloads.Queue,
			Active: ev.State.Downloads.Active,
		})
	case state.DownloadHistoryChanged:
		s.publish(ctx, bus.HistoryUpdated, bus.HistoryPayload{Count: len(ev.State.Downloads.History)})
	}
}

func (s *Supervisor) republish() {
	snap := s.store.Snapshot()
	payload := statusPayload(snap)
	s.pubMu.Lock()
	s.published = payload
	s.pubMu.Unlock()
	s.publish(context.Background(), bus.ServerStatusUpdate, payload)
}

func (s *Supervisor) publish(ctx context.Context, t bus.EventType, payload any) {
	if err := bus.Publish(ctx, s.bus, t, SourceWorker, payload); err != nil {
		s.logger.Debug("bus publish failed", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func statusPayload(st state.State) bus.StatusPayload {
	var port *int
	if p, ok := st.Server.PortValue(); ok {
		port = &p
	}
	return bus.StatusPayload{Port: port, Status: string(st.Server.Status)}
}

func samePayload(a, b bus.StatusPayload) bool {
	if a.Status != b.Status {
		return false
	}
	if a.Port == nil || b.Port == nil {
		return a.Port == nil && b.Port == nil
	}
	return *a.Port == *b.Port
}
