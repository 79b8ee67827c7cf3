package scaling

import (
	"context"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/keymutex"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
)

// Gate reports workloads whose grace window is still open.
type Gate interface {
	Pending(ref WorkloadRef) bool
}

// Engine reconciles the managed autoscaler of a single workload. Work for one
// WorkloadRef is serialized; different refs proceed in parallel.
type Engine struct {
	Client client.Client
	// APIReader bypasses the cache. Used to read an autoscaler after Create
	// reported it already exists. Defaults to Client.
	APIReader  client.Reader
	Recorder   record.EventRecorder
	Resolver   *policy.Resolver
	Namespaces *policy.Tracker
	Records    *Records
	Gate       Gate
	// DeleteOnDisable removes managed autoscalers of namespaces that lost the
	// enable annotation.
	DeleteOnDisable bool

	once  sync.Once
	locks keymutex.KeyMutex
}

func (e *Engine) init() {
	e.once.Do(func() {
		e.locks = keymutex.NewHashed(0)
		if e.Records == nil {
			e.Records = NewRecords()
		}
		if e.Namespaces == nil {
			e.Namespaces = policy.NewTracker()
		}
		if e.Resolver == nil {
			e.Resolver = &policy.Resolver{Reader: e.Client}
		}
		if e.APIReader == nil {
			e.APIReader = e.Client
		}
	})
}

// ManagedRecords returns the engine's index of managed autoscalers.
func (e *Engine) ManagedRecords() *Records {
	e.init()
	return e.Records
}

// Reconcile brings the autoscaler of ref in line with the namespace policy and
// returns the action taken. A conflict from the API server redoes the whole
// decision from fresh state.
func (e *Engine) Reconcile(ctx context.Context, ref WorkloadRef) (Action, error) {
	e.init()
	l := log.FromContext(ctx).WithValues("workload", ref.String())
	ctx = log.IntoContext(ctx, l)

	key := ref.String()
	e.locks.LockKey(key)
	defer func() { _ = e.locks.UnlockKey(key) }()

	var action Action
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var err error
		action, err = e.reconcile(ctx, ref)
		return err
	})
	if err != nil {
		reconcileErrors.WithLabelValues(errorReason(err)).Inc()
		return ActionNone, fmt.Errorf("reconciling %s: %w", ref, err)
	}
	if action != ActionNone {
		reconcileActions.WithLabelValues(string(action)).Inc()
	}
	return action, nil
}

// ReconcileNamespace reconciles every Deployment and StatefulSet of a namespace.
func (e *Engine) ReconcileNamespace(ctx context.Context, ns string) (int, error) {
	refs, err := e.workloadsIn(ctx, ns)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, ref := range refs {
		if _, err := e.Reconcile(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return len(refs), utilerrors.NewAggregate(errs)
}

func (e *Engine) workloadsIn(ctx context.Context, ns string) ([]WorkloadRef, error) {
	deployments := &appsv1.DeploymentList{}
	if err := e.Client.List(ctx, deployments, client.InNamespace(ns)); err != nil {
		return nil, err
	}
	statefulSets := &appsv1.StatefulSetList{}
	if err := e.Client.List(ctx, statefulSets, client.InNamespace(ns)); err != nil {
		return nil, err
	}

	refs := make([]WorkloadRef, 0, len(deployments.Items)+len(statefulSets.Items))
	for _, d := range deployments.Items {
		refs = append(refs, WorkloadRef{Kind: KindDeployment, Namespace: ns, Name: d.Name})
	}
	for _, s := range statefulSets.Items {
		refs = append(refs, WorkloadRef{Kind: KindStatefulSet, Namespace: ns, Name: s.Name})
	}
	return refs, nil
}

func (e *Engine) reconcile(ctx context.Context, ref WorkloadRef) (Action, error) {
	l := log.FromContext(ctx)

	existing, err := AutoscalersFor(ctx, e.Client, ref)
	if err != nil {
		return ActionNone, fmt.Errorf("listing autoscalers: %w", err)
	}
	var managed []*autoscalingv2.HorizontalPodAutoscaler
	unmanaged := 0
	for i := range existing {
		if IsManaged(&existing[i]) {
			managed = append(managed, &existing[i])
		} else {
			unmanaged++
		}
	}

	current, err := e.dropDuplicates(ctx, ref, managed)
	if err != nil {
		return ActionNone, err
	}

	exists, err := e.workloadExists(ctx, ref)
	if err != nil {
		return ActionNone, fmt.Errorf("reading workload: %w", err)
	}
	enabled, err := e.namespaceEnabled(ctx, ref.Namespace)
	if err != nil {
		return ActionNone, fmt.Errorf("reading namespace: %w", err)
	}

	sit := Situation{
		WorkloadExists:   exists,
		NamespaceEnabled: enabled,
		DeleteOnDisable:  e.DeleteOnDisable,
	}
	switch {
	case current != nil:
		sit.Existing = ExistingManaged
		if unmanaged > 0 {
			l.Info("Workload is also targeted by an unmanaged autoscaler", "unmanaged", unmanaged)
		}
	case unmanaged > 0:
		sit.Existing = ExistingUnmanaged
	default:
		sit.Existing = ExistingNone
		if e.Gate != nil {
			sit.GracePending = e.Gate.Pending(ref)
		}
	}

	var p policy.HpaPolicy
	if exists && enabled && sit.Existing != ExistingUnmanaged {
		if p, err = e.resolve(ctx, ref.Namespace); err != nil {
			return ActionNone, err
		}
		if current != nil {
			sit.Stale = !specMatches(current, ref, p)
		}
	}

	action := Decide(sit)
	l.V(1).Info("Decided", "action", action, "situation", sit)

	switch action {
	case ActionCreate:
		return e.create(ctx, ref, p)
	case ActionUpdate:
		return e.update(ctx, ref, current, p)
	case ActionDelete:
		return e.delete(ctx, ref, current)
	}

	if current != nil {
		e.Records.Put(recordOf(current, ref))
	} else {
		e.Records.Delete(ref)
	}
	return ActionNone, nil
}

// dropDuplicates keeps one managed autoscaler per workload: the one named after
// it, else the first by name. The rest are deleted.
func (e *Engine) dropDuplicates(ctx context.Context, ref WorkloadRef, managed []*autoscalingv2.HorizontalPodAutoscaler) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	if len(managed) == 0 {
		return nil, nil
	}
	keep := managed[0]
	for _, hpa := range managed {
		if hpa.Name == ref.Name {
			keep = hpa
			break
		}
	}
	for _, hpa := range managed {
		if hpa == keep {
			continue
		}
		log.FromContext(ctx).Info("Deleting duplicate managed autoscaler", "autoscaler", hpa.Name, "kept", keep.Name)
		if err := client.IgnoreNotFound(e.Client.Delete(ctx, hpa)); err != nil {
			return nil, fmt.Errorf("deleting duplicate autoscaler %s: %w", hpa.Name, err)
		}
		e.Records.DeleteByName(types.NamespacedName{Namespace: hpa.Namespace, Name: hpa.Name})
		e.event(hpa, corev1.EventTypeNormal, "Deleted", "Deleted duplicate autoscaler for %s", ref)
		reconcileActions.WithLabelValues(string(ActionDelete)).Inc()
	}
	return keep, nil
}

func (e *Engine) workloadExists(ctx context.Context, ref WorkloadRef) (bool, error) {
	obj := ref.Kind.NewObject()
	if obj == nil {
		return false, nil
	}
	if err := e.Client.Get(ctx, ref.ObjectKey(), obj); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return obj.GetDeletionTimestamp() == nil, nil
}

func (e *Engine) namespaceEnabled(ctx context.Context, ns string) (bool, error) {
	if enabled, known := e.Namespaces.IsEnabled(ns); known {
		return enabled, nil
	}
	obj := &corev1.Namespace{}
	if err := e.Client.Get(ctx, client.ObjectKey{Name: ns}, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	e.Namespaces.Observe(ns, obj.Annotations)
	return policy.EnabledByAnnotations(obj.Annotations), nil
}

func (e *Engine) resolve(ctx context.Context, ns string) (policy.HpaPolicy, error) {
	p, err := e.Resolver.Resolve(ctx, ns)
	if err != nil {
		if !policy.IsConfigurationError(err) {
			return policy.HpaPolicy{}, fmt.Errorf("resolving policy: %w", err)
		}
		log.FromContext(ctx).V(1).Info("Using defaults for malformed policy fields", "error", err.Error())
	}
	return p, nil
}

func (e *Engine) create(ctx context.Context, ref WorkloadRef, p policy.HpaPolicy) (Action, error) {
	l := log.FromContext(ctx)
	hpa := NewAutoscaler(ref, p)
	err := e.Client.Create(ctx, hpa)
	if err == nil {
		l.Info("Created autoscaler", "autoscaler", hpa.Name, "policy", p.String())
		e.event(hpa, corev1.EventTypeNormal, "Created", "Created autoscaler for %s (%s)", ref, p)
		e.Records.Put(recordOf(hpa, ref))
		return ActionCreate, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return ActionNone, fmt.Errorf("creating autoscaler: %w", err)
	}

	live := &autoscalingv2.HorizontalPodAutoscaler{}
	if err := e.APIReader.Get(ctx, client.ObjectKeyFromObject(hpa), live); err != nil {
		if apierrors.IsNotFound(err) {
			// Gone again between create and read; let the next pass decide.
			return ActionNone, apierrors.NewConflict(autoscalingv2.Resource("horizontalpodautoscalers"), hpa.Name, err)
		}
		return ActionNone, fmt.Errorf("reading existing autoscaler: %w", err)
	}

	target, ok := TargetOf(live)
	switch {
	case !IsManaged(live):
		l.Info("Autoscaler name is held by an unmanaged autoscaler", "autoscaler", live.Name)
		return ActionNone, nil
	case !ok || target != ref:
		l.Info("Autoscaler name is held by a managed autoscaler for another target", "autoscaler", live.Name, "target", live.Spec.ScaleTargetRef.Name)
		e.event(ref.Object(), corev1.EventTypeWarning, "NameConflict",
			"Autoscaler %s already exists and targets %s/%s", live.Name, live.Spec.ScaleTargetRef.Kind, live.Spec.ScaleTargetRef.Name)
		return ActionNone, nil
	case specMatches(live, ref, p):
		e.Records.Put(recordOf(live, ref))
		return ActionNone, nil
	default:
		return e.update(ctx, ref, live, p)
	}
}

func (e *Engine) update(ctx context.Context, ref WorkloadRef, hpa *autoscalingv2.HorizontalPodAutoscaler, p policy.HpaPolicy) (Action, error) {
	l := log.FromContext(ctx)
	if hasForeignMetrics(hpa) {
		l.Info("Discarding metrics not expressible by the namespace policy", "autoscaler", hpa.Name)
		e.event(hpa, corev1.EventTypeWarning, "CustomMetricsDiscarded",
			"Metrics other than CPU and memory utilization were replaced by the namespace policy")
	}
	before := PolicyOf(hpa)
	applyPolicy(hpa, ref, p)
	if err := e.Client.Update(ctx, hpa); err != nil {
		if apierrors.IsNotFound(err) {
			e.Records.Delete(ref)
			return ActionNone, nil
		}
		if apierrors.IsConflict(err) {
			return ActionNone, err
		}
		return ActionNone, fmt.Errorf("updating autoscaler: %w", err)
	}
	l.Info("Updated autoscaler", "autoscaler", hpa.Name, "from", before.String(), "to", p.String())
	e.event(hpa, corev1.EventTypeNormal, "Updated", "Updated autoscaler for %s (%s)", ref, p)
	e.Records.Put(recordOf(hpa, ref))
	return ActionUpdate, nil
}

func (e *Engine) delete(ctx context.Context, ref WorkloadRef, hpa *autoscalingv2.HorizontalPodAutoscaler) (Action, error) {
	if err := client.IgnoreNotFound(e.Client.Delete(ctx, hpa)); err != nil {
		return ActionNone, fmt.Errorf("deleting autoscaler: %w", err)
	}
	log.FromContext(ctx).Info("Deleted autoscaler", "autoscaler", hpa.Name)
	e.event(hpa, corev1.EventTypeNormal, "Deleted", "Deleted autoscaler for %s", ref)
	e.Records.Delete(ref)
	return ActionDelete, nil
}

func (e *Engine) event(obj client.Object, eventType, reason, messageFmt string, args ...interface{}) {
	if e.Recorder == nil || obj == nil {
		return
	}
	e.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func recordOf(hpa *autoscalingv2.HorizontalPodAutoscaler, ref WorkloadRef) ManagedRecord {
	return ManagedRecord{
		Namespace: hpa.Namespace,
		Name:      hpa.Name,
		Target:    ref,
		Policy:    PolicyOf(hpa),
	}
}
