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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

// NamespaceReconciler tracks which namespaces opted in to automatic
// autoscalers and reconciles their existing workloads when that changes.
type NamespaceReconciler struct {
	client.Client
	Scheme  *runtime.Scheme
	Engine  *scaling.Engine
	Tracker *policy.Tracker
	Drift   *scaling.DriftCorrector
}

// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch

func (r *NamespaceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)

	ns := &corev1.Namespace{}
	if err := r.Get(ctx, req.NamespacedName, ns); err != nil {
		if apierrors.IsNotFound(err) {
			r.Tracker.Forget(req.Name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !ns.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}

	transition := r.Tracker.Observe(ns.Name, ns.Annotations)
	if transition != policy.Unchanged {
		l.Info("Namespace autoscaling toggled", "transition", transition.String())
	}

	if policy.EnabledByAnnotations(ns.Annotations) {
		// Existing workloads are not new, so they skip the grace window.
		n, err := r.Engine.ReconcileNamespace(ctx, ns.Name)
		if err != nil {
			l.Error(err, "Failed to reconcile workloads of enabled namespace")
			return ctrl.Result{}, err
		}
		l.V(1).Info("Reconciled workloads", "count", n)
		return ctrl.Result{}, nil
	}

	if r.Engine.DeleteOnDisable && r.Drift != nil {
		n, err := r.Drift.SyncNamespace(ctx, ns.Name)
		if err != nil {
			l.Error(err, "Failed to remove autoscalers of disabled namespace")
			return ctrl.Result{}, err
		}
		if n > 0 {
			l.Info("Reconciled autoscalers of disabled namespace", "count", n)
		}
	}
	return ctrl.Result{}, nil
}

func (r *NamespaceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Namespace{}, builder.WithPredicates(annotationsChangedPredicate())).
		Named("namespace").
		Complete(r)
}
