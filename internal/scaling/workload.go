package scaling

import (
	"fmt"
	"slices"

	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// WorkloadKind is a scalable workload type the controller recognizes.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "Deployment"
	KindStatefulSet WorkloadKind = "StatefulSet"
)

// WorkloadAPIVersion is the scaleTargetRef apiVersion written to managed autoscalers.
const WorkloadAPIVersion = "apps/v1"

// Kinds lists every recognized workload kind.
var Kinds = []WorkloadKind{KindDeployment, KindStatefulSet}

// Valid reports whether k is a recognized kind.
func (k WorkloadKind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// NewObject returns an empty typed object for the kind.
func (k WorkloadKind) NewObject() client.Object {
	switch k {
	case KindDeployment:
		return &appsv1.Deployment{}
	case KindStatefulSet:
		return &appsv1.StatefulSet{}
	}
	return nil
}

// WorkloadRef identifies a workload and is the reconciliation key.
type WorkloadRef struct {
	Kind      WorkloadKind `json:"kind"`
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
}

func (r WorkloadRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// ObjectKey is the key of the workload object itself.
func (r WorkloadRef) ObjectKey() client.ObjectKey {
	return client.ObjectKey{Namespace: r.Namespace, Name: r.Name}
}

// Object returns a typed object carrying the workload's name, suitable as an
// event subject.
func (r WorkloadRef) Object() client.Object {
	obj := r.Kind.NewObject()
	if obj == nil {
		return nil
	}
	obj.SetNamespace(r.Namespace)
	obj.SetName(r.Name)
	return obj
}

// targetKey is the value stored in the autoscaler target index.
func (r WorkloadRef) targetKey() string {
	return targetIndexValue(string(r.Kind), r.Name)
}

// RefFor builds the ref of a typed workload object.
func RefFor(obj client.Object) (WorkloadRef, bool) {
	var kind WorkloadKind
	switch obj.(type) {
	case *appsv1.Deployment:
		kind = KindDeployment
	case *appsv1.StatefulSet:
		kind = KindStatefulSet
	default:
		return WorkloadRef{}, false
	}
	return WorkloadRef{Kind: kind, Namespace: obj.GetNamespace(), Name: obj.GetName()}, true
}
