package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/tools"
)

// maxCatchAllFailures is the number of consecutive panics a worker survives
// before it terminates itself and lets the supervisor provide a fresh one.
const maxCatchAllFailures = 5

// worker serializes action execution for one agent. It is the single
// consumer of its request channel; replies never block because every reply
// channel has capacity one.
type worker struct {
	agentID    string
	generation int
	registry   *tools.Registry
	log        logging.Logger

	requests chan *request
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	catchAll int
}

func newWorker(agentID string, generation int, registry *tools.Registry, log logging.Logger) *worker {
	return &worker{
		agentID:    agentID,
		generation: generation,
		registry:   registry,
		log:        logging.OrNop(log),
		requests:   make(chan *request, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			req.reply <- w.handle(req)
			if w.catchAll >= maxCatchAllFailures {
				w.log.Error("worker for %s exiting after %d consecutive unexpected failures", w.agentID, w.catchAll)
				return
			}
		case <-w.stop:
			return
		}
	}
}

// handle resolves, coerces, and executes one request. Errors come in three
// tiers: lookup and argument validation failures, errors returned by the
// handler itself, and recovered panics. Only panics count toward the
// consecutive catch-all limit; the other tiers reset it.
func (w *worker) handle(req *request) response {
	reg, err := w.registry.Get(req.action)
	if err != nil {
		w.catchAll = 0
		return response{err: err}
	}

	coerced, err := reg.Coerce(req.args)
	if err != nil {
		w.catchAll = 0
		return response{err: err}
	}

	result, err := w.safeCall(req.ctx, reg, coerced)
	if err != nil {
		return response{err: err}
	}
	return response{result: result}
}

// safeCall invokes the handler with panic recovery. A recovered panic is
// the catch-all tier; an error returned by the handler is an ordinary
// action outcome and resets the counter like a success does.
func (w *worker) safeCall(ctx context.Context, reg *tools.Registration, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.catchAll++
			w.log.Error("action %q panicked for agent %s: %v", reg.Name, w.agentID, r)
			result = nil
			err = fmt.Errorf("action %q failed unexpectedly: %v", reg.Name, r)
		}
	}()

	result, err = reg.Handler(ctx, args)
	w.catchAll = 0
	return result, err
}
