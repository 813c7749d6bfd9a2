package app

import (
	"context"
	"errors"
	"time"

	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/state"
)

// Run hydrates the store, then loops: discover, wait (backoff after a
// failure, the revalidation interval while connected), repeat. Rescan
// requests cut the wait short. Run returns when ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.bridge != nil {
		s.bridge.LoadFromStore(ctx)
		stopSave := s.bridge.AutoSave(ctx)
		defer stopSave()
	}

	unsubBus := s.bus.Subscribe(s.handleMessage)
	defer unsubBus()
	unsubStore := s.store.Subscribe(state.AnyChange, s.broadcast)
	defer unsubStore()

	force := false
	for {
		_, err := s.Attempt(ctx, force)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, discovery.ErrScanInProgress) {
			s.logger.Debug("scan already running, skipping attempt")
		}

		req, ok := s.wait(ctx)
		if !ok {
			return nil
		}
		force = req.force
	}
}

// wait blocks until the next attempt is due. While connected it re-checks
// the port every revalidation interval and keeps waiting as long as the
// daemon stays healthy.
func (s *Supervisor) wait(ctx context.Context) (scanRequest, bool) {
	for {
		snap := s.store.Snapshot()
		delay := snap.Server.Backoff
		if snap.Connected() {
			delay = s.revalidate
		}
		if delay <= 0 {
			delay = s.backoff.Reset()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scanRequest{}, false
		case req := <-s.requests:
			timer.Stop()
			return req, true
		case <-timer.C:
		}

		port, ok := snap.Server.PortValue()
		if !snap.Connected() || !ok {
			return scanRequest{}, true
		}
		if !s.check(ctx, port) {
			return scanRequest{}, true
		}
		if ctx.Err() != nil {
			return scanRequest{}, false
		}
	}
}
