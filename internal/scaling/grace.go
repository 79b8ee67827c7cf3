package scaling

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultGracePeriod is how long a new workload waits before the controller
// creates its autoscaler, leaving room for a human-authored one to appear.
const DefaultGracePeriod = 5 * time.Second

// Arbiter delays the first reconciliation of newly created workloads. When the
// window elapses and no autoscaler targets the workload, it hands the workload
// off for reconciliation. The delay narrows a race; it does not lock anything.
type Arbiter struct {
	Client client.Reader
	Clock  clock.WithDelayedExecution
	Window time.Duration
	// Handoff receives workloads whose window elapsed with no autoscaler.
	Handoff func(ctx context.Context, ref WorkloadRef)

	mu      sync.Mutex
	ctx     context.Context
	pending map[WorkloadRef]*graceWindow
}

type graceWindow struct {
	timer clock.Timer
}

// Observe opens a grace window for ref. It returns false when a window is
// already open; an open window is never extended.
func (a *Arbiter) Observe(ref WorkloadRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		a.pending = make(map[WorkloadRef]*graceWindow)
	}
	if _, ok := a.pending[ref]; ok {
		return false
	}
	if a.Clock == nil {
		a.Clock = clock.RealClock{}
	}
	window := a.Window
	if window <= 0 {
		window = DefaultGracePeriod
	}

	w := &graceWindow{}
	a.pending[ref] = w
	w.timer = a.Clock.AfterFunc(window, func() { a.fire(ref, w) })
	gracePending.Set(float64(len(a.pending)))
	return true
}

// Cancel closes the window of a deleted workload. Nothing fires for it.
func (a *Arbiter) Cancel(ref WorkloadRef) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.pending[ref]; ok {
		w.timer.Stop()
		delete(a.pending, ref)
		gracePending.Set(float64(len(a.pending)))
	}
}

// Pending reports whether ref's window is still open.
func (a *Arbiter) Pending(ref WorkloadRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[ref]
	return ok
}

// Start records the context handoffs run under and stops every open window
// when it is cancelled.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	<-ctx.Done()

	a.mu.Lock()
	defer a.mu.Unlock()
	for ref, w := range a.pending {
		w.timer.Stop()
		delete(a.pending, ref)
	}
	gracePending.Set(0)
	return nil
}

// NeedLeaderElection ties the arbiter to the controllers that feed it.
func (a *Arbiter) NeedLeaderElection() bool {
	return true
}

func (a *Arbiter) fire(ref WorkloadRef, w *graceWindow) {
	a.mu.Lock()
	if cur, ok := a.pending[ref]; !ok || cur != w {
		a.mu.Unlock()
		return
	}
	delete(a.pending, ref)
	gracePending.Set(float64(len(a.pending)))
	ctx := a.ctx
	a.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	l := log.FromContext(ctx).WithValues("workload", ref.String())

	existing, err := AutoscalersFor(ctx, a.Client, ref)
	if err != nil {
		// The reconciler repeats the check and retries through its queue.
		l.Error(err, "Failed to list autoscalers after grace period")
	} else if len(existing) > 0 {
		l.V(1).Info("Autoscaler appeared during grace period", "autoscaler", existing[0].Name)
		return
	}
	if a.Handoff != nil {
		a.Handoff(ctx, ref)
	}
}
