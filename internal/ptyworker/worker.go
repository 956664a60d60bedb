// Package ptyworker wraps a single child process attached to a pseudo-
// terminal. It streams the child's output as opaque chunks, accepts raw
// input writes serialized by a per-worker mutex, tracks idleness on a reset
// timer, and detects both voluntary (sentinel) and involuntary (process
// exit) termination.
//
// Command construction and prerequisite checking follow the per-CLI adapter
// pattern of the teacher's agent package (CheckPrerequisites via
// exec.LookPath, buildCommand assembling args from an AgentConfig-like
// options struct); graceful-then-forceful shutdown is grounded on the
// teacher's procgroup helpers.
package ptyworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/agent-relay/relay/internal/ansi"
)

// ExitSentinel is the literal line that signals voluntary self-termination.
const ExitSentinel = "/exit"

// DefaultIdleThreshold is the quiet period after which a worker without
// output is considered idle.
const DefaultIdleThreshold = 30 * time.Second

// DefaultReleaseGrace is how long Release waits after the graceful signal
// before forcibly killing the process group.
const DefaultReleaseGrace = 3 * time.Second

var (
	// ErrAlreadyExited is returned by WriteInput/Resize/SendSignal once the
	// worker has reached the exited state.
	ErrAlreadyExited = errors.New("ptyworker: worker already exited")

	// ErrSpawnFailed wraps failures to allocate a PTY or start the child.
	ErrSpawnFailed = errors.New("ptyworker: spawn failed")
)

// Chunk is one opaque slice of raw output, in kernel-delivery order.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Listener receives lifecycle notifications from a Worker.
type Listener struct {
	OnChunk        func(Chunk)
	OnIdle         func()
	OnActive       func()
	OnExitRequest  func()
	OnExit         func(code int, signaled bool, sig string)
}

// SpawnOpts configures a new Worker.
type SpawnOpts struct {
	Name          string
	Command       string
	Args          []string
	Env           []string
	Dir           string
	Channels      []string // free-form routing tags, used by the delivery engine
	Cols, Rows    uint16
	IdleThreshold time.Duration
	ReleaseGrace  time.Duration
	LogDir        string // directory for <name>.log; empty disables logging
}

// Worker wraps one child process attached to a pseudo-terminal.
type Worker struct {
	name     string
	channels []string

	cmd    *exec.Cmd
	pty    *os.File
	logf   *os.File

	writeMu sync.Mutex // serializes WriteInput against delivery injections
	stateMu sync.Mutex
	state   State

	idleThreshold time.Duration
	releaseGrace  time.Duration
	idleTimer     *time.Timer
	idleFired     bool

	listener Listener

	subMu  sync.Mutex
	subs   map[int]func(Chunk)
	subSeq int

	exitOnce sync.Once
	exitCh   chan struct{}
}

// Spawn starts the child process described by opts attached to a new PTY and
// begins streaming its output to listener. The returned Worker is already in
// StateReady.
func Spawn(ctx context.Context, opts SpawnOpts, listener Listener) (*Worker, error) {
	if _, err := exec.LookPath(opts.Command); err != nil {
		return nil, fmt.Errorf("%w: command %q not found: %v", ErrSpawnFailed, opts.Command, err)
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	setProcGroup(cmd)

	size := &pty.Winsize{Cols: orDefault(opts.Cols, 80), Rows: orDefault(opts.Rows, 24)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	idleThreshold := opts.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	releaseGrace := opts.ReleaseGrace
	if releaseGrace <= 0 {
		releaseGrace = DefaultReleaseGrace
	}

	w := &Worker{
		name:          opts.Name,
		channels:      opts.Channels,
		cmd:           cmd,
		pty:           ptmx,
		state:         StateReady,
		idleThreshold: idleThreshold,
		releaseGrace:  releaseGrace,
		listener:      listener,
		subs:          make(map[int]func(Chunk)),
		exitCh:        make(chan struct{}),
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err == nil {
			logf, err := os.OpenFile(filepath.Join(opts.LogDir, opts.Name+".log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				w.logf = logf
			}
		}
	}

	w.idleTimer = time.AfterFunc(idleThreshold, w.fireIdle)

	go w.readLoop()
	go w.waitLoop()

	return w, nil
}

func orDefault(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}

// Name returns the worker's caller-supplied identity.
func (w *Worker) Name() string { return w.name }

// Channels returns the free-form routing tags this worker was spawned with.
func (w *Worker) Channels() []string { return w.channels }

// Ready reports whether the worker can currently accept an injection: it has
// finished spawning and has not begun exiting.
func (w *Worker) Ready() bool {
	switch w.State() {
	case StateReady, StateActive, StateIdle:
		return true
	default:
		return false
	}
}

// SubscribeChunks registers fn to receive every subsequent output chunk. The
// returned function unsubscribes it; calling it more than once is a no-op.
func (w *Worker) SubscribeChunks(fn func(Chunk)) (unsubscribe func()) {
	w.subMu.Lock()
	id := w.subSeq
	w.subSeq++
	w.subs[id] = fn
	w.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subs, id)
			w.subMu.Unlock()
		})
	}
}

// Subscribe adapts SubscribeChunks to the byte-slice shape expected by
// delivery.Worker.
func (w *Worker) Subscribe(fn func([]byte)) (unsubscribe func()) {
	return w.SubscribeChunks(func(c Chunk) { fn(c.Data) })
}

// PID returns the child process's operating-system process identifier.
func (w *Worker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

func (w *Worker) readLoop() {
	reader := bufio.NewReaderSize(w.pty, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := Chunk{Data: append([]byte(nil), buf[:n]...), At: time.Now()}
			w.onChunk(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) onChunk(c Chunk) {
	if w.logf != nil {
		_, _ = w.logf.Write(c.Data)
	}

	w.stateMu.Lock()
	wasIdle := w.idleFired
	w.idleFired = false
	if w.state == StateReady || w.state == StateIdle || w.state == StateActive {
		w.state = StateActive
	}
	w.stateMu.Unlock()

	w.idleTimer.Reset(w.idleThreshold)

	if wasIdle && w.listener.OnActive != nil {
		w.listener.OnActive()
	}
	if w.listener.OnChunk != nil {
		w.listener.OnChunk(c)
	}
	w.subMu.Lock()
	subs := make([]func(Chunk), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.subMu.Unlock()
	for _, fn := range subs {
		fn(c)
	}

	line := ansi.LastLine(string(c.Data))
	if ansi.IsSentinel(line, ExitSentinel) {
		w.requestExit()
	}
}

func (w *Worker) fireIdle() {
	w.stateMu.Lock()
	if w.state != StateActive && w.state != StateReady {
		w.stateMu.Unlock()
		return
	}
	if w.idleFired {
		w.stateMu.Unlock()
		return
	}
	w.idleFired = true
	w.state = StateIdle
	w.stateMu.Unlock()

	if w.listener.OnIdle != nil {
		w.listener.OnIdle()
	}
}

func (w *Worker) requestExit() {
	w.stateMu.Lock()
	if w.state == StateExiting || w.state == StateExited {
		w.stateMu.Unlock()
		return
	}
	w.state = StateExiting
	w.stateMu.Unlock()

	if w.listener.OnExitRequest != nil {
		w.listener.OnExitRequest()
	}
	go func() { _ = w.Release("sentinel detected") }()
}

func (w *Worker) waitLoop() {
	err := w.cmd.Wait()
	code := 0
	signaled := false
	sig := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	w.stateMu.Lock()
	w.state = StateExited
	w.stateMu.Unlock()

	w.idleTimer.Stop()
	if w.logf != nil {
		_ = w.logf.Close()
	}
	w.exitOnce.Do(func() { close(w.exitCh) })

	if w.listener.OnExit != nil {
		w.listener.OnExit(code, signaled, sig)
	}
}

// WriteInput writes b to the child's standard input. It is serialized
// against concurrent writes so that send_input and delivery-engine
// injections cannot interleave mid-line (spec §5).
func (w *Worker) WriteInput(b []byte) error {
	if w.State() == StateExited {
		return ErrAlreadyExited
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.pty.Write(b); err != nil {
		return fmt.Errorf("ptyworker: write input: %w", err)
	}
	return nil
}

// Resize updates the pseudo-terminal's window size.
func (w *Worker) Resize(cols, rows uint16) error {
	if w.State() == StateExited {
		return ErrAlreadyExited
	}
	if err := pty.Setsize(w.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("ptyworker: resize: %w", err)
	}
	return nil
}

// SendSignal delivers sig to the child process.
func (w *Worker) SendSignal(sig os.Signal) error {
	if w.State() == StateExited {
		return ErrAlreadyExited
	}
	if w.cmd.Process == nil {
		return ErrAlreadyExited
	}
	if err := w.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("ptyworker: send signal: %w", err)
	}
	return nil
}

// Release requests graceful termination: an interrupt signal is sent,
// and if the child has not exited within the configured grace period the
// entire process group is forcibly killed. Release blocks until the child
// has exited. Calling Release more than once, or after the worker has
// already exited, is a no-op.
func (w *Worker) Release(reason string) error {
	if w.State() == StateExited {
		<-w.exitCh
		return nil
	}

	w.stateMu.Lock()
	if w.state != StateExiting {
		w.state = StateExiting
	}
	w.stateMu.Unlock()

	if w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-w.exitCh:
		return nil
	case <-time.After(w.releaseGrace):
	}

	killProcessGroup(w.cmd)

	<-w.exitCh
	return nil
}

// Chunks is a convenience constructor that returns a channel fed by
// onChunk for callers that prefer channel-based consumption over the
// Listener.OnChunk callback. The channel is closed when the worker exits.
func (w *Worker) Chunks(buffer int) <-chan Chunk {
	ch := make(chan Chunk, buffer)
	prevChunk := w.listener.OnChunk
	prevExit := w.listener.OnExit
	w.listener.OnChunk = func(c Chunk) {
		if prevChunk != nil {
			prevChunk(c)
		}
		select {
		case ch <- c:
		default:
		}
	}
	w.listener.OnExit = func(code int, signaled bool, sig string) {
		if prevExit != nil {
			prevExit(code, signaled, sig)
		}
		close(ch)
	}
	return ch
}

// Wait blocks until the child process has exited.
func (w *Worker) Wait() {
	<-w.exitCh
}

// Done returns a channel closed once the child process has exited, for
// callers that need to select on exit alongside a context or timer.
func (w *Worker) Done() <-chan struct{} {
	return w.exitCh
}

// ensure io.Writer/io.Reader-shaped usage compiles even if unused directly.
var _ io.Writer = (*os.File)(nil)
