package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Occupant is a process holding a listening socket on a port.
type Occupant struct {
	PID     int32
	Name    string
	Cmdline string
}

func (o Occupant) matches(substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(o.Name, substr) || strings.Contains(o.Cmdline, substr)
}

// ProcessTable abstracts the operating system's socket and process tables.
type ProcessTable interface {
	Listeners(ctx context.Context, port int) ([]Occupant, error)
	Signal(ctx context.Context, pid int32, sig syscall.Signal) error
	Alive(ctx context.Context, pid int32) bool
}

// SystemTable reads live socket and process state through gopsutil.
type SystemTable struct{}

func (SystemTable) Listeners(ctx context.Context, port int) ([]Occupant, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("list sockets: %w", err)
	}

	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		if !slices.Contains(pids, c.Pid) {
			pids = append(pids, c.Pid)
		}
	}

	out := make([]Occupant, 0, len(pids))
	for _, pid := range pids {
		occ := Occupant{PID: pid}
		if p, err := process.NewProcessWithContext(ctx, pid); err == nil {
			occ.Name, _ = p.NameWithContext(ctx)
			occ.Cmdline, _ = p.CmdlineWithContext(ctx)
		}
		out = append(out, occ)
	}
	return out, nil
}

func (SystemTable) Signal(ctx context.Context, pid int32, sig syscall.Signal) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.SendSignalWithContext(ctx, sig)
}

func (SystemTable) Alive(ctx context.Context, pid int32) bool {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		ok, _ := process.PidExistsWithContext(ctx, pid)
		return ok
	}
	return !slices.Contains(status, process.Zombie)
}

// PortClearer terminates the occupants of a port before a launch.
type PortClearer struct {
	table   ProcessTable
	match   string
	grace   time.Duration
	release time.Duration
	poll    time.Duration
	self    int32
	logger  *slog.Logger
}

func NewPortClearer(table ProcessTable, cfg Config, logger *slog.Logger) *PortClearer {
	return &PortClearer{
		table:   table,
		match:   cfg.KillMatch,
		grace:   cfg.GracePeriod,
		release: cfg.PortReleaseTimeout,
		poll:    100 * time.Millisecond,
		self:    int32(os.Getpid()),
		logger:  logger,
	}
}

// Clear terminates every matching occupant of port and waits for the port
// to stop listening. It never fails the launch: problems are logged and the
// terminated occupants are returned.
func (c *PortClearer) Clear(ctx context.Context, port int) []Occupant {
	occupants, err := c.table.Listeners(ctx, port)
	if err != nil {
		c.logger.Warn("port scan failed, continuing without clearing", "port", port, "error", err)
		return nil
	}
	if len(occupants) == 0 {
		c.logger.Debug("port is free", "port", port)
		return nil
	}

	var killed []Occupant
	for _, occ := range occupants {
		if occ.PID == c.self {
			continue
		}
		if !occ.matches(c.match) {
			c.logger.Warn("port occupant does not match kill_match, leaving it running",
				"port", port, "pid", occ.PID, "name", occ.Name, "kill_match", c.match)
			continue
		}
		c.logger.Info("terminating port occupant", "port", port, "pid", occ.PID, "name", occ.Name)
		if err := c.terminate(ctx, occ.PID); err != nil {
			c.logger.Warn("failed to terminate port occupant", "port", port, "pid", occ.PID, "error", err)
			continue
		}
		killed = append(killed, occ)
	}

	if len(killed) > 0 {
		c.awaitRelease(ctx, port)
	}
	return killed
}

// terminate sends SIGTERM, waits out the grace period, then sends SIGKILL.
func (c *PortClearer) terminate(ctx context.Context, pid int32) error {
	if err := c.table.Signal(ctx, pid, syscall.SIGTERM); err != nil {
		if !c.table.Alive(ctx, pid) {
			return nil
		}
		c.logger.Warn("SIGTERM failed, escalating to SIGKILL", "pid", pid, "error", err)
	} else if c.waitGone(ctx, pid, c.grace) {
		return nil
	}

	c.logger.Warn("occupant did not exit after SIGTERM, sending SIGKILL", "pid", pid)
	if err := c.table.Signal(ctx, pid, syscall.SIGKILL); err != nil && c.table.Alive(ctx, pid) {
		return fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	if !c.waitGone(ctx, pid, c.grace) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

func (c *PortClearer) waitGone(ctx context.Context, pid int32, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if !c.table.Alive(ctx, pid) {
			return true
		}
		if !time.Now().Before(deadline) || ctx.Err() != nil {
			return false
		}
		sleep(ctx, c.poll)
	}
}

func (c *PortClearer) awaitRelease(ctx context.Context, port int) {
	deadline := time.Now().Add(c.release)
	for {
		remaining, err := c.table.Listeners(ctx, port)
		if err == nil && len(remaining) == 0 {
			return
		}
		if !time.Now().Before(deadline) || ctx.Err() != nil {
			c.logger.Warn("port still has a listener after clearing", "port", port, "timeout", c.release)
			return
		}
		sleep(ctx, c.poll)
	}
}

var errStopped = errors.New("launcher stopped")

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errStopped
	case <-t.C:
		return nil
	}
}
