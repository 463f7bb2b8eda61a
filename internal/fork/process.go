package fork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// LaunchArgs describe one fork node.
type LaunchArgs struct {
	ForkURL string
	Host    string
	Port    int
	// Block pins the fork; zero forks at the upstream head.
	Block uint64
}

// Process is a running fork node.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Output returns what the process wrote to stderr so far.
	Output() string
}

// Launcher starts fork nodes.
type Launcher interface {
	Launch(ctx context.Context, args LaunchArgs) (Process, error)
}

// AnvilLauncher runs Foundry's anvil.
type AnvilLauncher struct {
	Path string
}

// Command returns the argv used for args.
func (l AnvilLauncher) Command(args LaunchArgs) []string {
	argv := []string{
		"--fork-url", args.ForkURL,
		"--host", args.Host,
		"--port", strconv.Itoa(args.Port),
	}
	if args.Block > 0 {
		argv = append(argv, "--fork-block-number", strconv.FormatUint(args.Block, 10))
	}
	return append(argv, "--no-rate-limit")
}

// Launch starts anvil. The process is not tied to ctx; it lives until the
// session tears it down.
func (l AnvilLauncher) Launch(_ context.Context, args LaunchArgs) (Process, error) {
	name := l.Path
	if name == "" {
		name = "anvil"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("fork: %s: %w", name, errors.Join(err, domain.ErrToolingMissing))
	}

	cmd := exec.Command(bin, l.Command(args)...)
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("fork: start anvil: %w", errors.Join(err, domain.ErrForkUnavailable))
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stderr lockedBuffer
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Output() string { return p.stderr.String() }

// lockedBuffer keeps the last few KiB of output.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const maxOutput = 8 << 10

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if b.buf.Len() > maxOutput {
		tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-maxOutput:]...)
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return n, nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
