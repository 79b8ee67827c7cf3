package scaling

import (
	"context"
	"sort"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
)

// TargetIndexKey indexes autoscalers by the workload they scale, as Kind/Name.
const TargetIndexKey = "spec.scaleTargetRef"

func targetIndexValue(kind, name string) string {
	return kind + "/" + name
}

// IndexByTarget is the indexer func for TargetIndexKey.
func IndexByTarget(obj client.Object) []string {
	hpa, ok := obj.(*autoscalingv2.HorizontalPodAutoscaler)
	if !ok {
		return nil
	}
	ref, ok := TargetOf(hpa)
	if !ok {
		return nil
	}
	return []string{ref.targetKey()}
}

// SetupIndexes registers the field indexes the engine queries.
func SetupIndexes(ctx context.Context, indexer client.FieldIndexer) error {
	return indexer.IndexField(ctx, &autoscalingv2.HorizontalPodAutoscaler{}, TargetIndexKey, IndexByTarget)
}

// AutoscalersFor lists every autoscaler targeting ref, managed or not, sorted by name.
func AutoscalersFor(ctx context.Context, c client.Reader, ref WorkloadRef) ([]autoscalingv2.HorizontalPodAutoscaler, error) {
	list := &autoscalingv2.HorizontalPodAutoscalerList{}
	if err := c.List(ctx, list,
		client.InNamespace(ref.Namespace),
		client.MatchingFields{TargetIndexKey: ref.targetKey()},
	); err != nil {
		return nil, err
	}
	items := list.Items
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// NewAutoscaler builds the managed autoscaler for a workload.
func NewAutoscaler(ref WorkloadRef, p policy.HpaPolicy) *autoscalingv2.HorizontalPodAutoscaler {
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref.Name,
			Namespace: ref.Namespace,
			Labels:    map[string]string{ManagedByLabel: ManagedByValue},
		},
	}
	applyPolicy(hpa, ref, p)
	return hpa
}

// applyPolicy writes target, bounds and metrics. Other spec fields are kept.
func applyPolicy(hpa *autoscalingv2.HorizontalPodAutoscaler, ref WorkloadRef, p policy.HpaPolicy) {
	hpa.Spec.ScaleTargetRef = autoscalingv2.CrossVersionObjectReference{
		APIVersion: WorkloadAPIVersion,
		Kind:       string(ref.Kind),
		Name:       ref.Name,
	}
	hpa.Spec.MinReplicas = ptr.To(p.MinReplicas)
	hpa.Spec.MaxReplicas = p.MaxReplicas
	hpa.Spec.Metrics = desiredMetrics(p)
}

func desiredMetrics(p policy.HpaPolicy) []autoscalingv2.MetricSpec {
	var out []autoscalingv2.MetricSpec
	if p.CPUUtilization != nil {
		out = append(out, utilizationMetric(corev1.ResourceCPU, *p.CPUUtilization))
	}
	if p.MemoryUtilization != nil {
		out = append(out, utilizationMetric(corev1.ResourceMemory, *p.MemoryUtilization))
	}
	return out
}

func utilizationMetric(name corev1.ResourceName, target int32) autoscalingv2.MetricSpec {
	return autoscalingv2.MetricSpec{
		Type: autoscalingv2.ResourceMetricSourceType,
		Resource: &autoscalingv2.ResourceMetricSource{
			Name: name,
			Target: autoscalingv2.MetricTarget{
				Type:               autoscalingv2.UtilizationMetricType,
				AverageUtilization: ptr.To(target),
			},
		},
	}
}

// specMatches reports whether the autoscaler already carries the desired
// target, bounds and metrics.
func specMatches(hpa *autoscalingv2.HorizontalPodAutoscaler, ref WorkloadRef, p policy.HpaPolicy) bool {
	desired := NewAutoscaler(ref, p)
	return equality.Semantic.DeepEqual(hpa.Spec.ScaleTargetRef, desired.Spec.ScaleTargetRef) &&
		ptr.Equal(hpa.Spec.MinReplicas, desired.Spec.MinReplicas) &&
		hpa.Spec.MaxReplicas == desired.Spec.MaxReplicas &&
		equality.Semantic.DeepEqual(hpa.Spec.Metrics, desired.Spec.Metrics)
}
