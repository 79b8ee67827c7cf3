/*
Copyright 2026 migalsp.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"maps"

	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
)

// policyConfigMapPredicate admits only the policy ConfigMap, in any namespace.
func policyConfigMapPredicate(resolver *policy.Resolver) predicate.Predicate {
	return predicate.NewPredicateFuncs(resolver.IsPolicyConfigMap)
}

// annotationsChangedPredicate admits creates, deletes and updates that touch
// annotations. Namespaces carry no generation, so label and status churn is
// dropped here.
func annotationsChangedPredicate() predicate.Predicate {
	return predicate.Funcs{
		UpdateFunc: func(e event.UpdateEvent) bool {
			if e.ObjectOld == nil || e.ObjectNew == nil {
				return false
			}
			return !maps.Equal(e.ObjectOld.GetAnnotations(), e.ObjectNew.GetAnnotations())
		},
		GenericFunc: func(event.GenericEvent) bool { return false },
	}
}

// autoscalerSpecOrLabelsChanged ignores status-only autoscaler updates, which
// the autoscaling controller writes continuously.
func autoscalerSpecOrLabelsChanged() predicate.Predicate {
	return predicate.Or(predicate.GenerationChangedPredicate{}, predicate.LabelChangedPredicate{})
}
