package scaling

import (
	"context"
	"time"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultDriftInterval is the period of the drift correction sweep.
const DefaultDriftInterval = 5 * time.Minute

// DriftCorrector periodically re-applies the current namespace policy to every
// managed autoscaler. It is how policy edits reach autoscalers that already exist.
type DriftCorrector struct {
	Engine   *Engine
	Client   client.Reader
	Interval time.Duration
}

// Start sweeps immediately and then every Interval until ctx is cancelled.
func (d *DriftCorrector) Start(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultDriftInterval
	}
	l := log.FromContext(ctx).WithName("drift")
	l.Info("Starting drift correction", "interval", interval)

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		n, err := d.Sweep(ctx)
		if err != nil {
			l.Error(err, "Drift sweep finished with errors", "autoscalers", n)
			return
		}
		l.V(1).Info("Drift sweep finished", "autoscalers", n)
	}, interval)
	return nil
}

func (d *DriftCorrector) NeedLeaderElection() bool {
	return true
}

// Sweep reconciles every managed autoscaler in the cluster.
func (d *DriftCorrector) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { driftSweepDuration.Observe(time.Since(start).Seconds()) }()
	return d.sweep(ctx, "")
}

// SyncNamespace reconciles the managed autoscalers of one namespace.
func (d *DriftCorrector) SyncNamespace(ctx context.Context, ns string) (int, error) {
	return d.sweep(ctx, ns)
}

func (d *DriftCorrector) sweep(ctx context.Context, ns string) (int, error) {
	records := d.Engine.ManagedRecords()

	list := &autoscalingv2.HorizontalPodAutoscalerList{}
	opts := []client.ListOption{client.MatchingLabels{ManagedByLabel: ManagedByValue}}
	if ns != "" {
		opts = append(opts, client.InNamespace(ns))
	}
	reader := d.Client
	if reader == nil {
		reader = d.Engine.Client
	}
	if err := reader.List(ctx, list, opts...); err != nil {
		return 0, err
	}

	keep := make(map[types.NamespacedName]bool, len(list.Items))
	for i := range list.Items {
		if _, rec := Classify(&list.Items[i]); rec != nil {
			records.Put(*rec)
			keep[types.NamespacedName{Namespace: rec.Namespace, Name: rec.Name}] = true
		}
	}
	records.Retain(ns, keep)

	var errs []error
	current := records.List(ns)
	for _, rec := range current {
		if _, err := d.Engine.Reconcile(ctx, rec.Target); err != nil {
			errs = append(errs, err)
		}
	}
	return len(current), utilerrors.NewAggregate(errs)
}
