package policy

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Resolver reads a namespace's policy ConfigMap and turns it into an HpaPolicy.
type Resolver struct {
	Reader        client.Reader
	ConfigMapName string
}

func (r *Resolver) configMapName() string {
	if r.ConfigMapName == "" {
		return DefaultConfigMapName
	}
	return r.ConfigMapName
}

// IsPolicyConfigMap reports whether obj is the policy ConfigMap of its namespace.
func (r *Resolver) IsPolicyConfigMap(obj client.Object) bool {
	return obj.GetName() == r.configMapName()
}

// Resolve returns the policy for namespace. A missing ConfigMap yields Defaults.
// When the error satisfies IsConfigurationError the policy is still usable;
// any other error comes from the API and the policy must be ignored.
func (r *Resolver) Resolve(ctx context.Context, namespace string) (HpaPolicy, error) {
	var cm corev1.ConfigMap
	err := r.Reader.Get(ctx, client.ObjectKey{Namespace: namespace, Name: r.configMapName()}, &cm)
	if apierrors.IsNotFound(err) {
		return Defaults(), nil
	}
	if err != nil {
		return HpaPolicy{}, fmt.Errorf("reading ConfigMap %s/%s: %w", namespace, r.configMapName(), err)
	}
	if !cm.DeletionTimestamp.IsZero() {
		return Defaults(), nil
	}
	return Parse(namespace, cm.Data)
}
