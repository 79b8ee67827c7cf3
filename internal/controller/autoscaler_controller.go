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
	"context"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

// AutoscalerReconciler keeps the engine's record index in step with the
// autoscalers in the cluster. Attaching the ownership label adopts an
// autoscaler; removing it releases one.
type AutoscalerReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Engine *scaling.Engine
}

// +kubebuilder:rbac:groups=autoscaling,resources=horizontalpodautoscalers,verbs=get;list;watch;create;update;patch;delete

func (r *AutoscalerReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)
	records := r.Engine.ManagedRecords()

	hpa := &autoscalingv2.HorizontalPodAutoscaler{}
	if err := r.Get(ctx, req.NamespacedName, hpa); err != nil {
		if apierrors.IsNotFound(err) {
			if ref, ok := records.DeleteByName(req.NamespacedName); ok {
				l.Info("Managed autoscaler removed", "workload", ref.String())
			}
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	ownership, rec := scaling.Classify(hpa)
	if ownership == scaling.Unmanaged {
		if ref, ok := records.DeleteByName(req.NamespacedName); ok {
			l.Info("Ownership label removed, autoscaler released", "workload", ref.String())
		}
		return ctrl.Result{}, nil
	}
	if rec == nil {
		l.V(1).Info("Managed autoscaler targets an unsupported kind", "target", hpa.Spec.ScaleTargetRef)
		return ctrl.Result{}, nil
	}

	records.Put(*rec)
	if _, err := r.Engine.Reconcile(ctx, rec.Target); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

func (r *AutoscalerReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&autoscalingv2.HorizontalPodAutoscaler{}, builder.WithPredicates(autoscalerSpecOrLabelsChanged())).
		Named("autoscaler").
		Complete(r)
}
