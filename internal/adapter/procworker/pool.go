// Package procworker implements the escalation worker pool: a fixed set of
// long-lived child processes speaking newline-delimited JSON over their
// standard streams, with per-call correlation ids.
package procworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somahq/arbiter/internal/port/provider"
)

var (
	// ErrTimeout is returned when a call's timer fires before its response.
	ErrTimeout = errors.New("procworker: call timed out")

	// ErrNoWorkers is returned when every worker in the pool has exited.
	ErrNoWorkers = errors.New("procworker: no live workers")

	// ErrWorkerExited is returned for calls in flight when their worker dies.
	ErrWorkerExited = errors.New("procworker: worker exited")
)

// maxLineBytes bounds a single response line from a worker.
const maxLineBytes = 4 << 20

// request is one line written to a worker's stdin.
type request struct {
	ID          string         `json:"id"`
	AdapterName string         `json:"adapterName"`
	Prompt      string         `json:"prompt"`
	Opts        map[string]any `json:"opts,omitempty"`
}

// response is one line read from a worker's stdout.
type response struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ExitHandler is notified when a worker process exits. The pool does not
// restart dead workers; it degrades to the survivors.
type ExitHandler func(workerID int, err error)

// Pool owns a fixed-size set of worker processes and multiplexes calls
// over them with least-pending load balancing.
type Pool struct {
	command string
	args    []string
	size    int
	onExit  ExitHandler

	mu      sync.Mutex
	workers []*worker
	started bool
	stopped bool
}

// worker is one child process. Requests are pipelined over its stdin and
// matched back to callers by correlation id; pending registration,
// resolution and timeout are atomic under mu.
type worker struct {
	id    int
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	pending map[string]chan response
	alive   bool
	writeMu sync.Mutex
}

// New creates a pool that will spawn size copies of command when started.
func New(command string, args []string, size int) *Pool {
	return &Pool{command: command, args: args, size: size}
}

// OnExit sets the handler invoked when a worker process terminates.
// Must be called before Start.
func (p *Pool) OnExit(h ExitHandler) {
	p.onExit = h
}

// Start spawns the worker processes. Calling Start on a started pool is a
// no-op.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Pool) startLocked() error {
	if p.started {
		return nil
	}
	if p.command == "" {
		return errors.New("procworker: no worker command configured")
	}

	for i := 0; i < p.size; i++ {
		w, err := p.spawn(i)
		if err != nil {
			// Kill what we already spawned; a partial pool is worse
			// than a clean failure at startup.
			for _, started := range p.workers {
				_ = started.cmd.Process.Kill()
			}
			p.workers = nil
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	p.started = true
	slog.Info("worker pool started", "size", p.size, "command", p.command)
	return nil
}

func (p *Pool) spawn(id int) (*worker, error) {
	cmd := exec.Command(p.command, p.args...) //nolint:gosec // G204: command comes from operator config
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	w := &worker{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan response),
		alive:   true,
	}

	go p.readLoop(w, stdout)
	return w, nil
}

// readLoop consumes stdout lines for one worker until the stream closes.
func (p *Pool) readLoop(w *worker, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("worker sent malformed JSON", "worker", w.id, "error", err)
			continue
		}

		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()

		if !ok {
			slog.Warn("stray worker response dropped", "worker", w.id, "id", resp.ID)
			continue
		}
		ch <- resp
	}

	waitErr := w.cmd.Wait()

	// Fail everything still in flight on this worker.
	w.mu.Lock()
	w.alive = false
	orphans := w.pending
	w.pending = make(map[string]chan response)
	w.mu.Unlock()

	for id, ch := range orphans {
		ch <- response{ID: id, Error: ErrWorkerExited.Error()}
	}

	slog.Warn("worker exited", "worker", w.id, "error", waitErr, "orphaned_calls", len(orphans))
	if p.onExit != nil {
		p.onExit(w.id, waitErr)
	}
}

// Call dispatches one request to the least-loaded live worker and waits
// for its correlated response or the timeout. Calling Call before Start
// implicitly starts the pool.
func (p *Pool) Call(ctx context.Context, adapterName, prompt string, opts map[string]any, timeout time.Duration) (*provider.Result, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, errors.New("procworker: pool stopped")
	}
	if !p.started {
		if err := p.startLocked(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	w := p.pickLocked()
	p.mu.Unlock()

	if w == nil {
		return nil, ErrNoWorkers
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return nil, ErrWorkerExited
	}
	w.pending[id] = ch
	w.mu.Unlock()

	line, err := json.Marshal(request{ID: id, AdapterName: adapterName, Prompt: prompt, Opts: opts})
	if err != nil {
		w.drop(id)
		return nil, fmt.Errorf("procworker: marshal request: %w", err)
	}

	w.writeMu.Lock()
	_, werr := w.stdin.Write(append(line, '\n'))
	w.writeMu.Unlock()
	if werr != nil {
		w.drop(id)
		return nil, fmt.Errorf("procworker: write request: %w", werr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("procworker: %s: %s", adapterName, resp.Error)
		}
		return &provider.Result{Text: resp.Text, Confidence: resp.Confidence, Meta: resp.Meta}, nil
	case <-timer.C:
		// A late response for this id is now stray and will be dropped.
		w.drop(id)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		w.drop(id)
		return nil, ctx.Err()
	}
}

// pickLocked selects the live worker with the fewest in-flight requests,
// ties broken by pool order. Caller holds p.mu.
func (p *Pool) pickLocked() *worker {
	var best *worker
	bestLoad := 0
	for _, w := range p.workers {
		w.mu.Lock()
		alive, load := w.alive, len(w.pending)
		w.mu.Unlock()
		if !alive {
			continue
		}
		if best == nil || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// Live returns how many workers are still running.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		w.mu.Lock()
		if w.alive {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// Stop closes worker stdins and kills any process that is still running.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		p.stopped = true
		return
	}
	p.stopped = true

	for _, w := range p.workers {
		_ = w.stdin.Close()
		w.mu.Lock()
		alive := w.alive
		w.mu.Unlock()
		if alive {
			_ = w.cmd.Process.Kill()
		}
	}
	slog.Info("worker pool stopped")
}

// drop removes a pending entry; a response arriving later is stray.
func (w *worker) drop(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}
