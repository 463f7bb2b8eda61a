package fork

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// Session is one running fork. It is exclusive to a single executor call
// and moves Created -> Active -> TornDown exactly once.
type Session struct {
	mgr     *Manager
	proc    Process
	release func()
	logger  *slog.Logger

	mu   sync.RWMutex
	info domain.ForkInfo

	once     sync.Once
	closeErr error
}

// Info returns a copy of the session's description.
func (s *Session) Info() domain.ForkInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Endpoint is the fork's JSON-RPC URL.
func (s *Session) Endpoint() string { return s.Info().Endpoint }

// State returns the current lifecycle state.
func (s *Session) State() domain.ForkState { return s.Info().State }

func (s *Session) activate(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.State = domain.ForkActive
	if s.info.BlockNumber == 0 {
		s.info.BlockNumber = block
	}
}

// Close stops the fork node and releases its port. It is safe to call any
// number of times and from any goroutine; only the first call does work.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	wasActive := s.State() == domain.ForkActive
	defer func() {
		s.release()
		s.mu.Lock()
		s.info.State = domain.ForkTornDown
		s.mu.Unlock()
		s.mgr.untrack(s, wasActive)
	}()

	select {
	case <-s.proc.Done():
		return nil
	default:
	}

	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("sigterm failed", slog.String("error", err.Error()))
	}
	grace := s.mgr.cfg.TeardownGrace
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
		return nil
	case <-timer.C:
	}

	s.logger.Warn("fork ignored SIGTERM, killing", slog.Duration("grace", grace))
	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("fork: kill pid %d: %w", s.proc.PID(), err)
	}
	timer.Reset(grace)
	select {
	case <-s.proc.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("fork: pid %d still running after kill", s.proc.PID())
	}
}
