package scaling

import (
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
)

// Ownership label carried by every autoscaler this controller manages.
// Attaching it to an existing autoscaler hands that autoscaler over.
const (
	ManagedByLabel = "managed-by"
	ManagedByValue = "auto-hpa-controller"
)

// Ownership is the classification of an existing autoscaler.
type Ownership int

const (
	Unmanaged Ownership = iota
	Managed
)

func (o Ownership) String() string {
	if o == Managed {
		return "Managed"
	}
	return "Unmanaged"
}

// ManagedRecord is a managed autoscaler and the policy it currently carries.
type ManagedRecord struct {
	Namespace string           `json:"namespace"`
	Name      string           `json:"name"`
	Target    WorkloadRef      `json:"target"`
	Policy    policy.HpaPolicy `json:"policy"`
}

// IsManaged reports whether the autoscaler carries the exact ownership label.
func IsManaged(hpa *autoscalingv2.HorizontalPodAutoscaler) bool {
	return hpa.Labels[ManagedByLabel] == ManagedByValue
}

// Classify returns the autoscaler's ownership and, when managed and targeting a
// recognized workload, its record.
func Classify(hpa *autoscalingv2.HorizontalPodAutoscaler) (Ownership, *ManagedRecord) {
	if !IsManaged(hpa) {
		return Unmanaged, nil
	}
	target, ok := TargetOf(hpa)
	if !ok {
		return Managed, nil
	}
	return Managed, &ManagedRecord{
		Namespace: hpa.Namespace,
		Name:      hpa.Name,
		Target:    target,
		Policy:    PolicyOf(hpa),
	}
}

// TargetOf extracts the workload an autoscaler scales. Only apps Deployments
// and StatefulSets are recognized.
func TargetOf(hpa *autoscalingv2.HorizontalPodAutoscaler) (WorkloadRef, bool) {
	ref := hpa.Spec.ScaleTargetRef
	kind := WorkloadKind(ref.Kind)
	if !kind.Valid() || ref.Name == "" {
		return WorkloadRef{}, false
	}
	if ref.APIVersion != "" {
		gv, err := schema.ParseGroupVersion(ref.APIVersion)
		if err != nil || gv.Group != "apps" {
			return WorkloadRef{}, false
		}
	}
	return WorkloadRef{Kind: kind, Namespace: hpa.Namespace, Name: ref.Name}, true
}

// PolicyOf reads the policy fields an autoscaler currently carries.
func PolicyOf(hpa *autoscalingv2.HorizontalPodAutoscaler) policy.HpaPolicy {
	p := policy.HpaPolicy{MaxReplicas: hpa.Spec.MaxReplicas, MinReplicas: 1}
	if hpa.Spec.MinReplicas != nil {
		p.MinReplicas = *hpa.Spec.MinReplicas
	}
	for _, m := range hpa.Spec.Metrics {
		if m.Type != autoscalingv2.ResourceMetricSourceType || m.Resource == nil {
			continue
		}
		if m.Resource.Target.Type != autoscalingv2.UtilizationMetricType || m.Resource.Target.AverageUtilization == nil {
			continue
		}
		v := *m.Resource.Target.AverageUtilization
		switch m.Resource.Name {
		case corev1.ResourceCPU:
			p.CPUUtilization = &v
		case corev1.ResourceMemory:
			p.MemoryUtilization = &v
		}
	}
	return p
}

// hasForeignMetrics reports whether the autoscaler carries metrics other than
// CPU or memory utilization. Those are discarded when the policy is applied.
func hasForeignMetrics(hpa *autoscalingv2.HorizontalPodAutoscaler) bool {
	for _, m := range hpa.Spec.Metrics {
		if m.Type != autoscalingv2.ResourceMetricSourceType || m.Resource == nil {
			return true
		}
		if m.Resource.Name != corev1.ResourceCPU && m.Resource.Name != corev1.ResourceMemory {
			return true
		}
		if m.Resource.Target.Type != autoscalingv2.UtilizationMetricType {
			return true
		}
	}
	return false
}
