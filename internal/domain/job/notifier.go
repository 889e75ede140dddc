package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the store signals that a job of the kind may be
// available. The database LISTEN/NOTIFY bridge implements this.
type Waiter interface {
	WaitForNotification(ctx context.Context, kind model.JobKind) error
}

// Notifier fans job-availability wake-ups out to parked workers. One store
// listener per kind serves any number of subscribers, so adding workers does
// not add database connections.
type Notifier interface {
	Subscribe(kind model.JobKind) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds one listen cycle. Workers are woken when it lapses
	// even without a notification, which papers over a missed NOTIFY.
	WaitWindow time.Duration
	// Backoff spaces listen retries after a wait error.
	Backoff time.Duration
}

// DefaultNotifier is the default implementation of Notifier.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.JobKind]map[chan struct{}]struct{}
	listeners map[model.JobKind]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	notifier := &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.JobKind]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobKind]context.CancelFunc),
	}
	return notifier, nil
}

// Subscribe registers interest in wake-ups for the kind. The returned channel
// carries coalesced signals (capacity one); the returned function unsubscribes
// and closes it. The kind's store listener starts with the first subscriber
// and stops with the last.
func (n *DefaultNotifier) Subscribe(kind model.JobKind) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[kind]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[kind] = cancel
		go n.listenLoop(ctx, kind)
	}

	ch := make(chan struct{}, 1)
	if n.subs[kind] == nil {
		n.subs[kind] = make(map[chan struct{}]struct{})
	}
	n.subs[kind][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.subs[kind]
		if subscribers == nil {
			return
		}

		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndCloseSignal(ch)
		if len(subscribers) == 0 {
			n.stopListener(kind)
			delete(n.subs, kind)
		}
	}

	return unsub, ch
}

// StopAll cancels every listener and closes every subscriber channel.
// Called during shutdown; subsequent unsubscribe calls are no-ops.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for kind, cancel := range n.listeners {
		cancel()
		delete(n.listeners, kind)
	}
	for kind, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndCloseSignal(ch)
		}
		delete(n.subs, kind)
	}
}

func (n *DefaultNotifier) stopListener(kind model.JobKind) {
	cancel, ok := n.listeners[kind]
	if !ok {
		return
	}
	cancel()
	delete(n.listeners, kind)
}

// listenLoop runs one wait cycle after another until cancelled. Subscribers
// are woken after every cycle, successful or not: a wake-up only prompts a
// reservation attempt, so a spurious one costs a single quick query.
func (n *DefaultNotifier) listenLoop(ctx context.Context, kind model.JobKind) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, kind)
		cancel()

		n.broadcast(kind)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(kind model.JobKind) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subscribers := n.subs[kind]
	for ch := range subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndCloseSignal removes any buffered signal before closing the channel
// so receivers observe a closed channel immediately.
func drainAndCloseSignal(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
