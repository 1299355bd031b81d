package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/critvals/internal/lock"
)

var (
	ErrStartupFailed    = errors.New("dashboard failed to start")
	ErrRestartsExceeded = errors.New("dashboard restart budget exhausted")
)

// Launcher clears the port, prepares the environment and supervises the
// dashboard child.
type Launcher struct {
	cfg     Config
	table   ProcessTable
	clearer *PortClearer
	logger  *slog.Logger
	environ func() []string

	// onStart is called with the child pid once it passes the startup probe.
	onStart func(pid int)
}

func New(cfg Config, table ProcessTable, logger *slog.Logger) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		table = SystemTable{}
	}
	logger = logger.With("component", "launcher", "port", cfg.Port)
	return &Launcher{
		cfg:     cfg,
		table:   table,
		clearer: NewPortClearer(table, cfg, logger),
		logger:  logger,
		environ: os.Environ,
	}, nil
}

// LockPath is where the per-port launch lock lives.
func LockPath(dir string, port int) string {
	return filepath.Join(dir, "launcher-"+strconv.Itoa(port)+".lock")
}

// Run launches the dashboard and blocks until ctx is cancelled or the child
// can no longer be kept running.
func (l *Launcher) Run(ctx context.Context) error {
	if l.cfg.LockDir != "" {
		pl, err := lock.AcquirePIDLock(LockPath(l.cfg.LockDir, l.cfg.Port))
		if err != nil {
			return fmt.Errorf("another launcher owns port %d: %w", l.cfg.Port, err)
		}
		defer pl.Release()
	}

	inv := BuildInvocation(l.cfg, l.environ())
	l.logger.Info("launching dashboard", "argv", inv.Argv())

	l.clearer.Clear(ctx, l.cfg.Port)
	l.prepare(ctx)

	restarts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.ensurePortFree(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
		child, err := l.start(inv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
		startedAt := time.Now()

		if err := l.probe(ctx, child); err != nil {
			child.stop(l.cfg.GracePeriod, l.logger)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
		l.logger.Info("dashboard is running", "pid", child.pid(), "url", "http://localhost:"+strconv.Itoa(l.cfg.Port))
		if l.onStart != nil {
			l.onStart(child.pid())
		}

		select {
		case <-ctx.Done():
			l.logger.Info("shutting down dashboard", "pid", child.pid())
			child.stop(l.cfg.GracePeriod, l.logger)
			return nil
		case <-child.exited:
			err := child.err
			uptime := time.Since(startedAt)
			if uptime >= l.cfg.StableAfter {
				restarts = 0
			}
			l.logger.Warn("dashboard exited unexpectedly", "pid", child.pid(), "uptime", uptime, "error", err)
			if restarts >= l.cfg.MaxRestarts {
				return fmt.Errorf("%w after %d restarts", ErrRestartsExceeded, restarts)
			}
			restarts++
			l.logger.Info("restarting dashboard", "attempt", restarts, "max", l.cfg.MaxRestarts)
		}

		if err := sleep(ctx, l.cfg.RestartDelay); err != nil {
			return nil
		}
		l.clearer.Clear(ctx, l.cfg.Port)
	}
}

// prepare installs the dashboard's file-watching dependency. Failure only
// costs hot reload, so it is logged and ignored.
func (l *Launcher) prepare(ctx context.Context) {
	if len(l.cfg.Prepare) == 0 {
		return
	}
	if l.cfg.PrepareTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.PrepareTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, l.cfg.Prepare[0], l.cfg.Prepare[1:]...)
	cmd.Dir = l.cfg.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		l.logger.Warn("prepare step failed, continuing", "argv", l.cfg.Prepare, "error", err, "output", truncate(string(out), 2048))
		return
	}
	l.logger.Debug("prepare step finished", "argv", l.cfg.Prepare)
}

type child struct {
	cmd    *exec.Cmd
	exited chan struct{}
	// err is valid once exited is closed.
	err error
}

func (c *child) pid() int { return c.cmd.Process.Pid }

func (l *Launcher) start(inv Invocation) (*child, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Env = inv.Env
	cmd.Dir = inv.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}

	logger := l.logger.With("pid", cmd.Process.Pid)
	var pipes sync.WaitGroup
	pipes.Add(2)
	go forward(&pipes, stdout, logger, "stdout")
	go forward(&pipes, stderr, logger, "stderr")

	c := &child{cmd: cmd, exited: make(chan struct{})}
	go func() {
		pipes.Wait()
		c.err = cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

func forward(wg *sync.WaitGroup, r io.Reader, logger *slog.Logger, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Info(sc.Text(), "stream", stream)
	}
}

// ensurePortFree refuses to start a child while anything still holds the
// port, so only the child itself can pass the startup check. The dial
// catches listeners the process scan cannot attribute.
func (l *Launcher) ensurePortFree(ctx context.Context) error {
	if occupants, err := l.table.Listeners(ctx, l.cfg.Port); err == nil && len(occupants) > 0 {
		pids := make([]int32, len(occupants))
		for i, o := range occupants {
			pids[i] = o.PID
		}
		return fmt.Errorf("port %d is still in use after clearing (pids %v)", l.cfg.Port, pids)
	}
	addr := net.JoinHostPort(probeHost(l.cfg.Address), strconv.Itoa(l.cfg.Port))
	if conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("port %d is still in use after clearing (%s accepts connections)", l.cfg.Port, addr)
	}
	return nil
}

// probe waits until the child accepts TCP on the dashboard port. It fails if
// the child exits first or the startup timeout passes.
func (l *Launcher) probe(ctx context.Context, c *child) error {
	addr := net.JoinHostPort(probeHost(l.cfg.Address), strconv.Itoa(l.cfg.Port))
	deadline := time.Now().Add(l.cfg.StartupTimeout)
	for {
		select {
		case <-c.exited:
			return fmt.Errorf("exited during startup: %v", c.err)
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("no listener on %s after %s", addr, l.cfg.StartupTimeout)
		}
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// stop sends SIGTERM, then SIGKILL once grace has passed.
func (c *child) stop(grace time.Duration, logger *slog.Logger) {
	select {
	case <-c.exited:
		return
	default:
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("failed to send SIGTERM", "pid", c.pid(), "error", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.exited:
		logger.Info("dashboard stopped", "pid", c.pid())
	case <-timer.C:
		logger.Warn("dashboard did not exit after SIGTERM, sending SIGKILL", "pid", c.pid())
		if err := c.cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "pid", c.pid(), "error", err)
		}
		<-c.exited
	}
}

func probeHost(address string) string {
	switch address {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return address
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
