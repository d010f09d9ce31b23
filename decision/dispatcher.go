package decision

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
	"golang.org/x/sync/errgroup"
)

// Result is one evaluated signal.
type Result struct {
	VaultID  string
	Decision domain.TradingDecision
	Err      error
}

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher gives every vault a single writer. Signals for a vault are
// evaluated in submission order; expiry is checked when a signal is taken
// off the queue, not when it was queued.
type Dispatcher struct {
	e       *Engine
	size    int
	results func(Result)

	// queues are never closed; senders hold mu.RLock and workers take
	// mu.Lock after done to know no send is in flight.
	mu     sync.RWMutex
	queues map[string]chan domain.ConsensusSignal
	done   chan struct{}
	once   sync.Once
}

// NewDispatcher queues up to size signals per vault. results, if set, is
// called from the vault's worker for every evaluation.
func NewDispatcher(e *Engine, size int, results func(Result)) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if results == nil {
		results = func(Result) {}
	}
	d := &Dispatcher{
		e:       e,
		size:    size,
		results: results,
		queues:  make(map[string]chan domain.ConsensusSignal),
		done:    make(chan struct{}),
	}
	for _, v := range e.all() {
		d.queues[v.id] = make(chan domain.ConsensusSignal, size)
	}
	return d
}

// Submit queues sig for every vault. It blocks while a queue is full and
// fails with ErrDispatcherClosed once Close is called.
func (d *Dispatcher) Submit(ctx context.Context, sig domain.ConsensusSignal) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}

	for _, q := range d.queues {
		select {
		case q <- sig:
		case <-d.done:
			return ErrDispatcherClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting signals. Run returns once the queues drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}

// Run starts one worker per vault and blocks until ctx ends or Close has
// drained every queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for vaultID, q := range d.queues {
		eval := func(sig domain.ConsensusSignal) {
			dec, err := d.e.Evaluate(ctx, vaultID, sig)
			d.results(Result{VaultID: vaultID, Decision: dec, Err: err})
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case sig := <-q:
					eval(sig)
				case <-d.done:
					// wait out senders, then drain
					d.mu.Lock()
					d.mu.Unlock()
					for {
						select {
						case sig := <-q:
							eval(sig)
						default:
							return nil
						}
					}
				}
			}
		})
	}
	return g.Wait()
}
