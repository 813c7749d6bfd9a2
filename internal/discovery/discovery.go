package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/five82/tether/internal/logging"
	"github.com/five82/tether/internal/probe"
)

// Discovery outcomes.
var (
	// ErrNotFound means no candidate in the range answered the health check.
	ErrNotFound = errors.New("no reachable daemon in port range")
	// ErrCancelled means the caller abandoned the scan. It is a no-op, not a failure.
	ErrCancelled = errors.New("discovery cancelled")
	// ErrScanInProgress is returned when a second scan is requested while one
	// is active. It matches ErrCancelled under errors.Is.
	ErrScanInProgress = fmt.Errorf("%w: scan already in progress", ErrCancelled)
	// ErrInvalidOptions reports a batch size, timeout or range discovery cannot use.
	ErrInvalidOptions = errors.New("invalid discovery options")
)

const (
	DefaultBatchSize  = 5
	DefaultTimeout    = 500 * time.Millisecond
	DefaultMaxBackoff = 60 * time.Second
)

// Options tune a single Discover call.
type Options struct {
	BatchSize   int
	Timeout     time.Duration
	MaxBackoff  time.Duration
	ForceRescan bool
	// Progress is called after every batch with ports probed so far and the
	// range size. It may be nil.
	Progress func(current, total int)
}

// DefaultOptions returns the production batch size, timeout and backoff cap.
func DefaultOptions() Options {
	return Options{
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultTimeout,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Result describes a successful discovery.
type Result struct {
	Port     int
	CacheHit bool
	Probed   int
}

// Service orchestrates health probes over a port range. It holds no state
// between calls; callers own caching, backoff and persistence.
type Service struct {
	prober probe.Prober
	logger *slog.Logger
}

// NewService returns a Service probing through p.
func NewService(p probe.Prober, logger *slog.Logger) *Service {
	return &Service{prober: p, logger: logging.OrDefault(logger)}
}

// Discover finds the daemon port. A cached port is tried first unless
// opts.ForceRescan is set; otherwise the range is scanned in ascending
// batches of opts.BatchSize concurrent probes. Within a batch the lowest
// reachable port wins regardless of completion order.
func (s *Service) Discover(ctx context.Context, cached *int, r Range, opts Options) (Result, error) {
	if err := opts.validate(r); err != nil {
		return Result{}, err
	}
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	if cached != nil && !opts.ForceRescan {
		ok := s.prober.Probe(ctx, *cached, opts.Timeout)
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		if ok {
			s.logger.Debug("cached port still healthy", slog.Int("port", *cached))
			return Result{Port: *cached, CacheHit: true, Probed: 1}, nil
		}
		s.logger.Info("cached port unreachable, scanning range",
			slog.Int("port", *cached),
			slog.String("range", r.String()),
		)
	}

	candidates := r.Ports()
	total := len(candidates)
	probed := 0

	for start := 0; start < total; start += opts.BatchSize {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}
		batch := candidates[start:min(start+opts.BatchSize, total)]
		reachable := s.probeBatch(ctx, batch, opts.Timeout)
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}

		probed += len(batch)
		s.reportProgress(opts.Progress, probed, total)

		for i, ok := range reachable {
			if ok {
				s.logger.Info("daemon discovered", slog.Int("port", batch[i]), slog.Int("probed", probed))
				return Result{Port: batch[i], Probed: probed}, nil
			}
		}
		s.logger.Debug("batch exhausted",
			slog.Int("first", batch[0]),
			slog.Int("last", batch[len(batch)-1]),
		)
	}

	return Result{Probed: probed}, ErrNotFound
}

// probeBatch runs one probe per port concurrently and waits for all of them.
// reachable[i] corresponds to batch[i].
func (s *Service) probeBatch(ctx context.Context, batch []int, timeout time.Duration) []bool {
	reachable := make([]bool, len(batch))
	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, port := range batch {
		g.Go(func() error {
			reachable[i] = s.prober.Probe(ctx, port, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return reachable
}

func (s *Service) reportProgress(fn func(current, total int), current, total int) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("progress callback panicked", slog.Any("panic", r))
		}
	}()
	fn(current, total)
}

func (o Options) validate(r Range) error {
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidOptions, o.BatchSize)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: timeout %v", ErrInvalidOptions, o.Timeout)
	}
	if r.Len() == 0 {
		return fmt.Errorf("%w: empty range %s", ErrInvalidOptions, r)
	}
	return nil
}
