package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pricepulse/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownReason = "server shutting down"
	releaseTimeout = 5 * time.Second
)

// Sources is the upstream side: started once (or on every gained
// leadership) and stopped before delivery shuts down.
type Sources interface {
	Start(ctx context.Context)
	Stop()
}

type Router interface {
	Run(ctx context.Context, bus domain.Bus) error
}

type Reporter interface {
	Run(ctx context.Context) error
}

type Registry interface {
	Close(reason string)
}

// Sessions waits for in-flight client sessions to end.
type Sessions interface {
	Wait(ctx context.Context) error
}

// Elector decides which instance runs the upstream sources.
type Elector interface {
	InstanceID() string
	TTL() time.Duration
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Deps wires the service. Reporter, Sessions and Elector are optional;
// without an Elector the sources always run.
type Deps struct {
	Bus      domain.Bus
	Router   Router
	Sources  Sources
	Reporter Reporter
	Registry Registry
	Sessions Sessions
	Elector  Elector
}

// Service runs the background loops of one instance and shuts them down in
// order: sources first, then client connections, then the bus.
type Service struct {
	deps  Deps
	clock clockwork.Clock

	group   *errgroup.Group
	failed  <-chan struct{}
	cancel  context.CancelFunc
	leader  context.CancelFunc
	leading atomic.Bool
	lead    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

func NewService(deps Deps, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{deps: deps, clock: clock}
}

// Start launches the router, reporter and sources and returns immediately.
// The loops outlive ctx's cancellation; only Shutdown stops them.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel

		g, gctx := errgroup.WithContext(runCtx)
		s.group = g
		s.failed = gctx.Done()

		g.Go(func() error {
			if err := s.deps.Router.Run(gctx, s.deps.Bus); err != nil {
				return fmt.Errorf("price router: %w", err)
			}
			return nil
		})

		if s.deps.Reporter != nil {
			g.Go(func() error {
				if err := s.deps.Reporter.Run(gctx); err != nil {
					return fmt.Errorf("health reporter: %w", err)
				}
				return nil
			})
		}

		if s.deps.Elector == nil {
			s.deps.Sources.Start(gctx)
			return
		}

		leaderCtx, leaderCancel := context.WithCancel(gctx)
		s.leader = leaderCancel
		s.lead.Add(1)
		go func() {
			defer s.lead.Done()
			s.campaignLoop(leaderCtx)
		}()
	})
}

// Failed is closed when a background loop returned an error, or once
// Shutdown has finished.
func (s *Service) Failed() <-chan struct{} {
	return s.failed
}

// Leading reports whether this instance currently runs the sources. Always
// true without an Elector once started.
func (s *Service) Leading() bool {
	if s.deps.Elector == nil {
		return s.group != nil
	}
	return s.leading.Load()
}

func (s *Service) campaignLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.deps.Elector.TTL() / 2)
	defer ticker.Stop()
	defer s.resign()

	s.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.campaign(ctx)
		}
	}
}

func (s *Service) campaign(ctx context.Context) {
	elector := s.deps.Elector

	if s.leading.Load() {
		if err := elector.Renew(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Lost source leadership, stopping price sources", "instance_id", elector.InstanceID(), "error", err)
			s.deps.Sources.Stop()
			s.leading.Store(false)
		}
		return
	}

	ok, err := elector.TryAcquire(ctx)
	if err != nil {
		slog.Warn("Source leadership campaign failed", "instance_id", elector.InstanceID(), "error", err)
		return
	}
	if !ok {
		slog.Debug("Another instance runs the price sources", "instance_id", elector.InstanceID())
		return
	}

	slog.Info("Acquired source leadership, starting price sources", "instance_id", elector.InstanceID())
	s.leading.Store(true)
	s.deps.Sources.Start(ctx)
}

func (s *Service) resign() {
	if !s.leading.Load() {
		return
	}
	s.deps.Sources.Stop()
	s.leading.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.deps.Elector.Release(ctx); err != nil {
		slog.Warn("Failed to release source leadership", "error", err)
		return
	}
	slog.Info("Released source leadership", "instance_id", s.deps.Elector.InstanceID())
}

// Shutdown stops the sources, closes every client connection, waits for the
// sessions to drain until ctx is done and finally closes the bus, which ends
// the router. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

func (s *Service) shutdown(ctx context.Context) error {
	var errs []error

	if s.leader != nil {
		s.leader()
		s.lead.Wait()
	} else {
		s.deps.Sources.Stop()
	}

	if s.deps.Registry != nil {
		s.deps.Registry.Close(shutdownReason)
	}

	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.Wait(ctx); err != nil {
			slog.Warn("Client sessions did not drain before the deadline", "error", err)
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
	}

	if err := s.deps.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}

	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("Service stopped")
	return errors.Join(errs...)
}
