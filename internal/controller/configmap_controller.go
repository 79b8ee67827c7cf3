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
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

// PolicyConfigMapReconciler watches the per-namespace policy ConfigMap and
// pushes changed policies to the namespace's managed autoscalers.
type PolicyConfigMapReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Tracker  *policy.Tracker
	Drift    *scaling.DriftCorrector
	Recorder record.EventRecorder
	// ConfigMapName defaults to policy.DefaultConfigMapName.
	ConfigMapName string
}

// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *PolicyConfigMapReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)

	var data map[string]string
	cm := &corev1.ConfigMap{}
	if err := r.Get(ctx, req.NamespacedName, cm); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		cm = nil
	} else {
		data = cm.Data
	}

	p, err := policy.Parse(req.Namespace, data)
	for _, cfgErr := range policy.ConfigurationErrors(err) {
		l.Info("Invalid policy field, using default", "key", cfgErr.Key, "value", cfgErr.Value, "reason", cfgErr.Reason)
		scaling.CountConfigurationError(cfgErr.Key)
		if r.Recorder != nil && cm != nil {
			r.Recorder.Eventf(cm, corev1.EventTypeWarning, "InvalidConfiguration", "%s; using default", cfgErr.Error())
		}
	}

	if !r.Tracker.SetPolicy(req.Namespace, p) {
		return ctrl.Result{}, nil
	}
	l.Info("Namespace policy changed", "policy", p.String())

	if enabled, _ := r.Tracker.IsEnabled(req.Namespace); !enabled || r.Drift == nil {
		return ctrl.Result{}, nil
	}
	n, err := r.Drift.SyncNamespace(ctx, req.Namespace)
	if err != nil {
		// Forget the policy so the retry sees it as changed again.
		r.Tracker.ClearPolicy(req.Namespace)
		l.Error(err, "Failed to apply policy to managed autoscalers")
		return ctrl.Result{}, err
	}
	l.Info("Applied policy to managed autoscalers", "count", n)
	return ctrl.Result{}, nil
}

func (r *PolicyConfigMapReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Recorder == nil {
		r.Recorder = mgr.GetEventRecorderFor("auto-hpa-controller")
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}, builder.WithPredicates(policyConfigMapPredicate(&policy.Resolver{ConfigMapName: r.ConfigMapName}))).
		Named("policyconfigmap").
		Complete(r)
}
