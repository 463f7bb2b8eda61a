// Package fork runs short-lived local forks of an upstream chain for exploit
// execution. Each fork is an anvil process on a port from a shared pool, torn
// down exactly once when its scope ends.
package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/metrics"
)

// Config configures the Manager.
type Config struct {
	Host string
	// Upstreams maps each chain to the RPC URL forks are taken from.
	Upstreams      map[domain.Chain]string
	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	TeardownGrace  time.Duration
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 250 * time.Millisecond
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = 5 * time.Second
	}
}

// Prober checks that a fork answers JSON-RPC and returns its head block.
type Prober func(ctx context.Context, endpoint string) (uint64, error)

// Manager opens fork sessions and tracks the live ones.
type Manager struct {
	cfg      Config
	launcher Launcher
	ports    *PortPool
	probe    Prober
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. probe may be nil to use eth_blockNumber.
func NewManager(cfg Config, launcher Launcher, ports *PortPool, probe Prober, m *metrics.Metrics, logger *slog.Logger) *Manager {
	cfg.defaults()
	if probe == nil {
		probe = BlockNumberProbe
	}
	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		ports:    ports,
		probe:    probe,
		metrics:  m,
		logger:   logger.With(slog.String("component", "fork_manager")),
		sessions: make(map[string]*Session),
	}
}

// Open starts a fork of chain at block (zero for the upstream head) and
// waits until it answers. On any failure nothing is left running.
func (m *Manager) Open(ctx context.Context, chain domain.Chain, block uint64) (*Session, error) {
	upstream, ok := m.cfg.Upstreams[chain]
	if !ok || upstream == "" {
		return nil, fmt.Errorf("fork: no upstream for chain %q: %w", chain, domain.ErrInvalidInput)
	}

	port, release, err := m.ports.Acquire(ctx)
	if err != nil {
		m.metrics.ForkStarted(string(chain), string(domain.Classify(err)), 0)
		return nil, err
	}

	started := time.Now()
	proc, err := m.launcher.Launch(ctx, LaunchArgs{ForkURL: upstream, Host: m.cfg.Host, Port: port, Block: block})
	if err != nil {
		release()
		m.metrics.ForkStarted(string(chain), string(domain.Classify(err)), 0)
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		mgr:     m,
		proc:    proc,
		release: release,
		logger: m.logger.With(
			slog.String("fork_id", id),
			slog.String("chain", string(chain)),
			slog.Int("port", port),
		),
		info: domain.ForkInfo{
			ID:          id,
			Chain:       chain,
			BlockNumber: block,
			Endpoint:    "http://" + net.JoinHostPort(m.cfg.Host, strconv.Itoa(port)),
			Port:        port,
			PID:         proc.PID(),
			State:       domain.ForkCreated,
			StartedAt:   started.UTC(),
		},
	}
	m.track(s)

	head, err := m.waitReady(ctx, s)
	if err != nil {
		_ = s.Close()
		m.metrics.ForkStarted(string(chain), string(domain.Classify(err)), time.Since(started))
		return nil, err
	}
	s.activate(head)
	m.metrics.ForkStarted(string(chain), "ok", time.Since(started))
	s.logger.InfoContext(ctx, "fork ready",
		slog.Uint64("block", s.Info().BlockNumber),
		slog.Duration("startup", time.Since(started)),
	)
	return s, nil
}

// WithSession opens a fork, runs fn with it and tears it down when fn
// returns, panics or ctx is cancelled, whichever comes first.
func (m *Manager) WithSession(ctx context.Context, chain domain.Chain, block uint64, fn func(context.Context, *Session) error) (err error) {
	s, err := m.Open(ctx, chain, block)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer func() {
		stop()
		if r := recover(); r != nil {
			_ = s.Close()
			panic(r)
		}
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s)
}

// Active returns the number of sessions not yet torn down.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown tears down every live session.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.info.ID] = s
	m.mu.Unlock()
}

func (m *Manager) untrack(s *Session, wasActive bool) {
	m.mu.Lock()
	delete(m.sessions, s.info.ID)
	m.mu.Unlock()
	if wasActive {
		m.metrics.ForkStopped()
	}
}

func (m *Manager) waitReady(parent context.Context, s *Session) (uint64, error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	endpoint := s.Endpoint()
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, m.cfg.ProbeInterval*4)
		head, err := m.probe(probeCtx, endpoint)
		probeCancel()
		if err == nil {
			return head, nil
		}

		select {
		case <-s.proc.Done():
			return 0, fmt.Errorf("fork: node exited during startup: %s: %w", lastLine(s.proc.Output()), domain.ErrForkUnavailable)
		case <-ctx.Done():
			if parent.Err() != nil {
				return 0, fmt.Errorf("fork: wait ready: %w", parent.Err())
			}
			return 0, fmt.Errorf("fork: not ready after %s: %w", m.cfg.StartupTimeout, domain.ErrForkStartTimeout)
		case <-ticker.C:
		}
	}
}

// BlockNumberProbe calls eth_blockNumber on endpoint.
func BlockNumberProbe(ctx context.Context, endpoint string) (uint64, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	var head hexutil.Uint64
	if err := client.CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}
