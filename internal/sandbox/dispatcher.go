// Package sandbox executes action invocations on behalf of agents with
// per-agent worker isolation, bounded queue waits, and supervised restart.
//
// Each agent gets a dedicated worker on first use. The worker owns a
// request channel of capacity one, so a single producer (the agent's loop,
// possibly fanned out) and a single consumer (the worker) meet through the
// dispatcher and nowhere else. A supervisor goroutine replaces any worker
// that exits while its agent is still registered.
package sandbox

import (
	"context"
	"sync"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Queue wait bounds. Exceeding the response bound returns a timeout error
// to the caller but does not stop the handler, which may still be running.
const (
	DefaultRequestTimeout  = 120 * time.Second
	DefaultResponseTimeout = 180 * time.Second
)

// request travels from Execute to a worker. The reply channel has capacity
// one so the worker never blocks on a caller that already gave up.
type request struct {
	ctx    context.Context
	action string
	args   map[string]string
	reply  chan response
}

type response struct {
	result any
	err    error
}

// DispatcherStats is a point-in-time snapshot of dispatcher activity.
type DispatcherStats struct {
	ActiveWorkers  int   `json:"active_workers"`
	WorkerRestarts int64 `json:"worker_restarts"`
	Executed       int64 `json:"executed"`
	Failed         int64 `json:"failed"`
}

// Dispatcher routes action requests to per-agent workers.
type Dispatcher struct {
	registry *tools.Registry
	metrics  *telemetry.Metrics
	log      logging.Logger

	requestTimeout  time.Duration
	responseTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*worker
	restarts int64
	executed int64
	failed   int64
	closed   bool
}

// DispatcherOptions configures a Dispatcher. Zero timeouts fall back to the
// defaults; Metrics and Logger may be nil.
type DispatcherOptions struct {
	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
	Metrics         *telemetry.Metrics
	Logger          logging.Logger
}

// NewDispatcher builds a dispatcher over the given registry.
func NewDispatcher(registry *tools.Registry, opts DispatcherOptions) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:        registry,
		metrics:         opts.Metrics,
		log:             logging.OrNop(opts.Logger),
		requestTimeout:  opts.RequestTimeout,
		responseTimeout: opts.ResponseTimeout,
		baseCtx:         ctx,
		cancel:          cancel,
		workers:         make(map[string]*worker),
	}
}

// Execute runs one action for an agent through its worker. Enqueue waits at
// most the request timeout; the response wait is bounded separately. The
// handler runs under the dispatcher's own context, so a caller that times
// out does not cancel an action already in flight.
func (d *Dispatcher) Execute(ctx context.Context, agentID, action string, args map[string]string) (any, error) {
	w, err := d.workerFor(agentID)
	if err != nil {
		return nil, err
	}

	req := &request{
		ctx:    tools.WithInvoker(d.baseCtx, agentID),
		action: action,
		args:   args,
		reply:  make(chan response, 1),
	}

	start := time.Now()
	enqueue := time.NewTimer(d.requestTimeout)
	defer enqueue.Stop()
	select {
	case w.requests <- req:
	case <-w.done:
		d.recordFailure(action, start)
		return nil, &strixerrors.WorkerDiedError{AgentID: agentID}
	case <-enqueue.C:
		d.recordFailure(action, start)
		return nil, &strixerrors.SandboxTimeoutError{Action: action, Phase: "enqueue", Timeout: d.requestTimeout}
	case <-ctx.Done():
		d.recordFailure(action, start)
		return nil, ctx.Err()
	}

	wait := time.NewTimer(d.responseTimeout)
	defer wait.Stop()
	select {
	case resp := <-req.reply:
		if resp.err != nil {
			d.recordFailure(action, start)
			return nil, resp.err
		}
		d.recordSuccess(action, start)
		return resp.result, nil
	case <-w.done:
		// The worker accepted the request and exited before replying.
		select {
		case resp := <-req.reply:
			if resp.err != nil {
				d.recordFailure(action, start)
				return nil, resp.err
			}
			d.recordSuccess(action, start)
			return resp.result, nil
		default:
		}
		d.recordFailure(action, start)
		return nil, &strixerrors.WorkerDiedError{AgentID: agentID}
	case <-wait.C:
		d.recordFailure(action, start)
		return nil, &strixerrors.SandboxTimeoutError{Action: action, Phase: "response", Timeout: d.responseTimeout}
	case <-ctx.Done():
		d.recordFailure(action, start)
		return nil, ctx.Err()
	}
}

// workerFor returns the agent's worker, creating and supervising a fresh
// one on first use.
func (d *Dispatcher) workerFor(agentID string) (*worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, &strixerrors.StatusError{Code: 503, Body: "sandbox dispatcher closed"}
	}
	w, ok := d.workers[agentID]
	if !ok {
		w = d.startWorkerLocked(agentID, 0)
	}
	return w, nil
}

func (d *Dispatcher) startWorkerLocked(agentID string, generation int) *worker {
	w := newWorker(agentID, generation, d.registry, d.log)
	d.workers[agentID] = w
	go w.run()
	go d.supervise(w)
	return w
}

// supervise restarts the worker when it exits while its agent is still
// registered. Release and Close are distinguished by the worker no longer
// being the registered instance for its agent.
func (d *Dispatcher) supervise(w *worker) {
	<-w.done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.workers[w.agentID] != w {
		return
	}
	d.restarts++
	d.log.Warn("sandbox worker for %s exited (generation %d), restarting", w.agentID, w.generation)
	d.startWorkerLocked(w.agentID, w.generation+1)
}

// ReleaseAgent stops and forgets the agent's worker. Safe to call for
// agents that never used the sandbox.
func (d *Dispatcher) ReleaseAgent(agentID string) {
	d.mu.Lock()
	w, ok := d.workers[agentID]
	if ok {
		delete(d.workers, agentID)
	}
	d.mu.Unlock()
	if ok {
		w.stopOnce.Do(func() { close(w.stop) })
	}
}

// Close stops every worker and rejects future Execute calls.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()

	d.cancel()
	for _, w := range workers {
		w.stopOnce.Do(func() { close(w.stop) })
	}
}

// ActiveAgents lists agents that currently have a worker.
func (d *Dispatcher) ActiveAgents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.workers))
	for id := range d.workers {
		ids = append(ids, id)
	}
	return ids
}

// Stats snapshots dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{
		ActiveWorkers:  len(d.workers),
		WorkerRestarts: d.restarts,
		Executed:       d.executed,
		Failed:         d.failed,
	}
}

func (d *Dispatcher) recordSuccess(action string, start time.Time) {
	d.mu.Lock()
	d.executed++
	d.mu.Unlock()
	d.metrics.ObserveAction(action, "ok", time.Since(start))
}

func (d *Dispatcher) recordFailure(action string, start time.Time) {
	d.mu.Lock()
	d.executed++
	d.failed++
	d.mu.Unlock()
	d.metrics.ObserveAction(action, "error", time.Since(start))
}
