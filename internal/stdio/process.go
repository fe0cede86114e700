// Package stdio runs the worker as a child process and exchanges
// newline-delimited frames over its stdin and stdout. Stderr lines are
// delivered as diagnostics.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/nfrx-bridge/internal/bridge"
	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
)

var (
	// ErrNotRunning is returned by Send and Stats while no worker is running.
	ErrNotRunning = errors.New("worker not running")
	// ErrNoCandidate is returned when no launch candidate could be started.
	ErrNoCandidate = errors.New("no worker launch candidate succeeded")
)

const defaultMaxLine = 64 << 20

// Options configures a Process.
type Options struct {
	Candidates []Candidate
	// Env entries are KEY=value, or KEY to copy the value from this process.
	Env []string
	// IsolateEnv passes only Env to the worker instead of extending os.Environ.
	IsolateEnv bool
	Logger     *zerolog.Logger
	// MaxLineBytes bounds one inbound frame. Default 64MiB.
	MaxLineBytes int
	// StopTimeout is how long a worker may take to exit after stdin closes
	// before it is killed. Default 2s.
	StopTimeout time.Duration
}

// run is one spawned generation of the worker.
type run struct {
	gen       uint64
	cmd       *exec.Cmd
	stdin     *os.File
	writeSem  chan struct{}
	exited    chan struct{}
	launcher  Candidate
	startedAt time.Time
}

// Process implements bridge.Transport over a child process.
type Process struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	cur     *run
	gen     uint64
	status  bridge.Status
	lastErr error
	subs    map[uint64]bridge.Handlers
	nextSub uint64
}

var _ bridge.Transport = (*Process)(nil)

// New returns a stopped Process. Start or Restart spawns the worker.
func New(opts Options) *Process {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLine
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	lg := logx.Log
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Process{
		opts:   opts,
		log:    lg.With().Str("component", "stdio").Logger(),
		status: bridge.StatusStopped,
		subs:   make(map[uint64]bridge.Handlers),
	}
}

// Start spawns the worker unless one is already running.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	running := p.cur != nil
	p.mu.Unlock()
	if running {
		return nil
	}
	return p.spawn(ctx)
}

// Restart stops the current worker, if any, and spawns a new one.
func (p *Process) Restart(ctx context.Context) error {
	if err := p.stop(); err != nil {
		p.log.Debug().Err(err).Msg("stop before restart")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.spawn(ctx)
}

// Close stops the worker.
func (p *Process) Close() error {
	return p.stop()
}

// Status reports whether a worker is running.
func (p *Process) Status() bridge.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return bridge.StatusRunning
	}
	return p.status
}

// LastError returns why the previous worker stopped, if it failed.
func (p *Process) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Subscribe registers handlers for inbound lines, stderr text and exits.
func (p *Process) Subscribe(h bridge.Handlers) func() {
	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = h
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Send writes payload followed by a newline to the worker's stdin.
func (p *Process) Send(ctx context.Context, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return errors.New("payload contains a newline")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	select {
	case r.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("write to worker: %w", ctx.Err())
	case <-r.exited:
		return ErrNotRunning
	}
	defer func() { <-r.writeSem }()
	n, err := r.write(ctx, line)
	if err == nil {
		return nil
	}
	if n > 0 {
		// A partial frame leaves the stream unparseable for the worker.
		p.log.Warn().Err(err).Int("written", n).Int("bytes", len(line)).Int("pid", r.cmd.Process.Pid).Msg("frame cut short, killing worker")
		_ = r.cmd.Process.Kill()
	}
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("write to worker: %w", cerr)
		}
		return fmt.Errorf("write to worker: %w: %w", cerr, err)
	}
	return fmt.Errorf("write to worker: %w", err)
}

// write copies line to stdin, giving up when ctx ends. Pipes without
// deadline support fall back to killing the worker.
func (r *run) write(ctx context.Context, line []byte) (int, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		if err := r.stdin.SetWriteDeadline(time.Now()); err != nil {
			_ = r.cmd.Process.Kill()
		}
	})
	n, err := r.stdin.Write(line)
	if !stop() {
		<-fired
	}
	_ = r.stdin.SetWriteDeadline(time.Time{})
	return n, err
}

func (p *Process) spawn(ctx context.Context) error {
	if len(p.opts.Candidates) == 0 {
		return fmt.Errorf("%w: none configured", ErrNoCandidate)
	}
	env := buildEnv(p.opts.Env)
	if !p.opts.IsolateEnv {
		env = append(os.Environ(), env...)
	}
	var errs []error
	for _, c := range p.opts.Candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, stdout, stderr, err := start(c, env)
		if err != nil {
			p.log.Debug().Err(err).Str("candidate", c.Name).Str("path", c.Path).Msg("launch candidate failed")
			errs = append(errs, fmt.Errorf("%s (%s): %w", c.Name, c.Path, err))
			continue
		}
		p.mu.Lock()
		p.gen++
		r.gen = p.gen
		p.cur = r
		p.lastErr = nil
		p.mu.Unlock()
		p.log.Info().Str("candidate", c.Name).Str("path", c.Path).Int("pid", r.cmd.Process.Pid).Msg("worker started")
		p.supervise(r, stdout, stderr)
		return nil
	}
	err := fmt.Errorf("%w: %w: %w", bridge.ErrTransport, ErrNoCandidate, errors.Join(errs...))
	p.mu.Lock()
	p.status = bridge.StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

func start(c Candidate, env []string) (*run, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = env
	// os.Pipe rather than StdinPipe so writes can carry a deadline.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	cmd.Stdin = pr
	fail := func(err error) (*run, io.ReadCloser, io.ReadCloser, error) {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}
	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	_ = pr.Close()
	return &run{
		cmd:       cmd,
		stdin:     pw,
		writeSem:  make(chan struct{}, 1),
		exited:    make(chan struct{}),
		launcher:  c,
		startedAt: time.Now(),
	}, stdout, stderr, nil
}

// supervise pumps the worker's output and reports its exit. Wait is only
// called once both pipes are drained.
func (p *Process) supervise(r *run, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pump(r, stdout, func(h bridge.Handlers, line []byte) {
			if h.OnLine != nil {
				h.OnLine(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		p.pump(r, stderr, func(h bridge.Handlers, line []byte) {
			if h.OnDiagnostic != nil {
				h.OnDiagnostic(string(line))
			}
		})
	}()
	go func() {
		wg.Wait()
		err := r.cmd.Wait()
		_ = r.stdin.Close()
		close(r.exited)
		p.exited(r, err)
	}()
}

func (p *Process) pump(r *run, src io.Reader, deliver func(bridge.Handlers, []byte)) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), p.opts.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		hs, ok := p.handlers(r)
		if !ok {
			continue
		}
		for _, h := range hs {
			deliver(h, append([]byte(nil), line...))
		}
	}
	if err := sc.Err(); err != nil {
		p.log.Error().Err(err).Int("pid", r.cmd.Process.Pid).Msg("worker output unreadable, discarding remainder")
		_, _ = io.Copy(io.Discard, src)
	}
}

// handlers returns the current subscribers, or false if r is no longer the live run.
func (p *Process) handlers(r *run) ([]bridge.Handlers, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != r {
		return nil, false
	}
	hs := make([]bridge.Handlers, 0, len(p.subs))
	for _, h := range p.subs {
		hs = append(hs, h)
	}
	return hs, true
}

func (p *Process) exited(r *run, err error) {
	hs, live := p.handlers(r)
	if !live {
		return
	}
	p.mu.Lock()
	p.cur = nil
	if err != nil {
		p.status = bridge.StatusError
	} else {
		p.status = bridge.StatusStopped
	}
	p.lastErr = err
	p.mu.Unlock()

	down := fmt.Errorf("%w: exited", ErrNotRunning)
	if err != nil {
		down = fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	p.log.Warn().Err(err).Int("pid", r.cmd.Process.Pid).Dur("uptime", time.Since(r.startedAt)).Msg("worker exited")
	for _, h := range hs {
		if h.OnDown != nil {
			h.OnDown(down)
		}
	}
}

func (p *Process) stop() error {
	p.mu.Lock()
	r := p.cur
	p.cur = nil
	p.status = bridge.StatusStopped
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	_ = r.stdin.Close()
	t := time.NewTimer(p.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-r.exited:
		return nil
	case <-t.C:
	}
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker %d: %w", r.cmd.Process.Pid, err)
	}
	<-r.exited
	return nil
}

// Stats describes the running worker process.
type Stats struct {
	PID        int       `json:"pid"`
	Launcher   string    `json:"launcher"`
	Path       string    `json:"path"`
	StartedAt  time.Time `json:"started_at"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
}

// Stats samples the worker's resource usage.
func (p *Process) Stats(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r == nil {
		return Stats{}, ErrNotRunning
	}
	st := Stats{PID: r.cmd.Process.Pid, Launcher: r.launcher.Name, Path: r.launcher.Path, StartedAt: r.startedAt}
	proc, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		return st, fmt.Errorf("inspect worker %d: %w", st.PID, err)
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

func buildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}
