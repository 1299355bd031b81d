package launcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProc struct {
	occ      Occupant
	port     int
	alive    bool
	stubborn bool // ignores SIGTERM
}

type fakeTable struct {
	mu      sync.Mutex
	procs   map[int32]*fakeProc
	signals []string
	scanErr error
}

func newFakeTable(procs ...*fakeProc) *fakeTable {
	t := &fakeTable{procs: map[int32]*fakeProc{}}
	for _, p := range procs {
		p.alive = true
		t.procs[p.occ.PID] = p
	}
	return t
}

func (f *fakeTable) Listeners(_ context.Context, port int) ([]Occupant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []Occupant
	for _, p := range f.procs {
		if p.alive && p.port == port {
			out = append(out, p.occ)
		}
	}
	return out, nil
}

func (f *fakeTable) Signal(_ context.Context, pid int32, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return errors.New("no such process")
	}
	f.signals = append(f.signals, sig.String())
	if sig == syscall.SIGKILL || !p.stubborn {
		p.alive = false
	}
	return nil
}

func (f *fakeTable) Alive(_ context.Context, pid int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.alive
}

func testClearer(table ProcessTable, match string) *PortClearer {
	cfg := DefaultConfig()
	cfg.KillMatch = match
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.PortReleaseTimeout = 50 * time.Millisecond
	c := NewPortClearer(table, cfg, discardLogger())
	c.poll = 5 * time.Millisecond
	return c
}

func TestClearTerminatesEveryOccupant(t *testing.T) {
	table := newFakeTable(
		&fakeProc{occ: Occupant{PID: 101, Name: "python3", Cmdline: "python3 -m streamlit run app.py"}, port: 8501},
		&fakeProc{occ: Occupant{PID: 102, Name: "nginx"}, port: 8501, stubborn: true},
		&fakeProc{occ: Occupant{PID: 103, Name: "redis"}, port: 6379},
	)

	killed := testClearer(table, "").Clear(context.Background(), 8501)

	assert.Len(t, killed, 2)
	assert.False(t, table.Alive(context.Background(), 101))
	assert.False(t, table.Alive(context.Background(), 102))
	assert.True(t, table.Alive(context.Background(), 103))
	assert.Contains(t, table.signals, "killed")

	remaining, err := table.Listeners(context.Background(), 8501)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestClearFreePortSucceeds(t *testing.T) {
	table := newFakeTable()
	killed := testClearer(table, "").Clear(context.Background(), 8501)
	assert.Empty(t, killed)
	assert.Empty(t, table.signals)
}

func TestClearRespectsKillMatch(t *testing.T) {
	table := newFakeTable(
		&fakeProc{occ: Occupant{PID: 201, Name: "python3", Cmdline: "python3 -m streamlit run app.py"}, port: 8501},
		&fakeProc{occ: Occupant{PID: 202, Name: "jupyter"}, port: 8501},
	)

	killed := testClearer(table, "streamlit").Clear(context.Background(), 8501)

	require.Len(t, killed, 1)
	assert.Equal(t, int32(201), killed[0].PID)
	assert.True(t, table.Alive(context.Background(), 202))
}

func TestClearScanFailureIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	table := newFakeTable()
	table.scanErr = errors.New("permission denied")
	c := NewPortClearer(table, DefaultConfig(), slog.New(slog.NewJSONHandler(&buf, nil)))

	assert.Empty(t, c.Clear(context.Background(), 8501))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), "permission denied")
}

func TestClearSkipsOwnProcess(t *testing.T) {
	self := int32(os.Getpid())
	table := newFakeTable(&fakeProc{occ: Occupant{PID: self, Name: "critvals"}, port: 8501})
	assert.Empty(t, testClearer(table, "").Clear(context.Background(), 8501))
	assert.True(t, table.Alive(context.Background(), self))
}

func TestSystemTableFindsOwnListener(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("socket ownership lookup is exercised on linux only")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	occupants, err := SystemTable{}.Listeners(context.Background(), port)
	if err != nil {
		t.Skipf("socket table unavailable: %v", err)
	}
	var pids []int32
	for _, o := range occupants {
		pids = append(pids, o.PID)
	}
	assert.Contains(t, pids, int32(os.Getpid()))
	assert.True(t, SystemTable{}.Alive(context.Background(), int32(os.Getpid())))
}
