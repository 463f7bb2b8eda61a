package fork

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// PortPool hands out unique local ports for fork nodes. Within a process the
// pool itself guarantees uniqueness; a LockManager extends that across
// processes sharing the host.
type PortPool struct {
	host     string
	min, max int
	locks    domain.LockManager
	lockTTL  time.Duration
	probe    func(host string, port int) bool

	mu    sync.Mutex
	inUse map[int]struct{}
	next  int
}

// NewPortPool creates a pool over [min, max]. locks may be nil.
func NewPortPool(host string, min, max int, locks domain.LockManager, lockTTL time.Duration) (*PortPool, error) {
	if min <= 0 || max < min || max > 65535 {
		return nil, fmt.Errorf("fork: port range %d-%d: %w", min, max, domain.ErrInvalidInput)
	}
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &PortPool{
		host:    host,
		min:     min,
		max:     max,
		locks:   locks,
		lockTTL: lockTTL,
		probe:   portFree,
		inUse:   make(map[int]struct{}),
		next:    min,
	}, nil
}

// Acquire reserves a port. The returned release func is idempotent and must
// be called exactly when the fork using the port is gone.
func (p *PortPool) Acquire(ctx context.Context) (int, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.min + (p.next-p.min+i)%size
		if _, taken := p.inUse[port]; taken {
			continue
		}
		if !p.probe(p.host, port) {
			continue
		}

		var unlock func()
		if p.locks != nil {
			u, err := p.locks.Acquire(ctx, p.lockKey(port), p.lockTTL)
			if errors.Is(err, domain.ErrLockHeld) {
				continue
			}
			if err != nil {
				return 0, nil, fmt.Errorf("fork: lock port %d: %w", port, err)
			}
			unlock = u
		}

		p.inUse[port] = struct{}{}
		p.next = port + 1
		if p.next > p.max {
			p.next = p.min
		}

		var once sync.Once
		release := func() {
			once.Do(func() {
				p.mu.Lock()
				delete(p.inUse, port)
				p.mu.Unlock()
				if unlock != nil {
					unlock()
				}
			})
		}
		return port, release, nil
	}
	return 0, nil, fmt.Errorf("fork: %d ports in use: %w", size, domain.ErrPortsExhausted)
}

// InUse returns the number of reserved ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *PortPool) lockKey(port int) string {
	return "fork-port:" + p.host + ":" + strconv.Itoa(port)
}

// portFree reports whether nothing else is listening on host:port.
func portFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
