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
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

// WorkloadReconciler reconciles the autoscaler of one workload kind. New
// workloads go through the grace arbiter first and come back through the
// handoff channel once their window elapsed without an autoscaler.
type WorkloadReconciler struct {
	client.Client
	Scheme  *runtime.Scheme
	Kind    scaling.WorkloadKind
	Engine  *scaling.Engine
	Arbiter *scaling.Arbiter
	Tracker *policy.Tracker

	handoff chan event.GenericEvent
}

// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets,verbs=get;list;watch

// NewWorkloadReconciler returns a reconciler for kind with its handoff channel.
func NewWorkloadReconciler(c client.Client, scheme *runtime.Scheme, kind scaling.WorkloadKind,
	engine *scaling.Engine, arbiter *scaling.Arbiter, tracker *policy.Tracker) *WorkloadReconciler {
	return &WorkloadReconciler{
		Client:  c,
		Scheme:  scheme,
		Kind:    kind,
		Engine:  engine,
		Arbiter: arbiter,
		Tracker: tracker,
		handoff: make(chan event.GenericEvent),
	}
}

func (r *WorkloadReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := logf.FromContext(ctx)
	ref := scaling.WorkloadRef{Kind: r.Kind, Namespace: req.Namespace, Name: req.Name}

	action, err := r.Engine.Reconcile(ctx, ref)
	if err != nil {
		if scaling.IsTransient(err) {
			l.Info("API server unavailable, requeueing", "workload", ref.String(), "error", err.Error())
		}
		return ctrl.Result{}, err
	}
	if action != scaling.ActionNone {
		l.Info("Reconciled workload", "workload", ref.String(), "action", string(action))
	}
	return ctrl.Result{}, nil
}

// Enqueue hands a workload whose grace window elapsed to this reconciler's
// queue. It blocks until the controller accepts it or ctx ends.
func (r *WorkloadReconciler) Enqueue(ctx context.Context, ref scaling.WorkloadRef) {
	select {
	case r.handoff <- event.GenericEvent{Object: ref.Object()}:
	case <-ctx.Done():
	}
}

// Dispatch routes arbiter handoffs to the reconciler of the workload's kind.
func Dispatch(reconcilers ...*WorkloadReconciler) func(context.Context, scaling.WorkloadRef) {
	byKind := make(map[scaling.WorkloadKind]*WorkloadReconciler, len(reconcilers))
	for _, r := range reconcilers {
		byKind[r.Kind] = r
	}
	return func(ctx context.Context, ref scaling.WorkloadRef) {
		if r, ok := byKind[ref.Kind]; ok {
			r.Enqueue(ctx, ref)
		}
	}
}

// eventHandler routes workload lifecycle events. Creates open a grace window
// instead of reconciling; deletes close it and reconcile right away.
func (r *WorkloadReconciler) eventHandler() handler.EventHandler {
	return handler.Funcs{
		CreateFunc: func(ctx context.Context, e event.CreateEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			ref, ok := scaling.RefFor(e.Object)
			if !ok {
				return
			}
			if enabled, known := r.Tracker.IsEnabled(ref.Namespace); known && !enabled {
				return
			}
			if r.Arbiter.Observe(ref) {
				logf.FromContext(ctx).V(1).Info("Grace window opened", "workload", ref.String())
			}
		},
		UpdateFunc: func(ctx context.Context, e event.UpdateEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			if e.ObjectOld.GetGeneration() == e.ObjectNew.GetGeneration() {
				return
			}
			ref, ok := scaling.RefFor(e.ObjectNew)
			if !ok || r.Arbiter.Pending(ref) {
				return
			}
			q.Add(requestFor(ref))
		},
		DeleteFunc: func(ctx context.Context, e event.DeleteEvent, q workqueue.TypedRateLimitingInterface[reconcile.Request]) {
			ref, ok := scaling.RefFor(e.Object)
			if !ok {
				return
			}
			r.Arbiter.Cancel(ref)
			q.Add(requestFor(ref))
		},
	}
}

func requestFor(ref scaling.WorkloadRef) reconcile.Request {
	return reconcile.Request{NamespacedName: types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}}
}

func (r *WorkloadReconciler) SetupWithManager(mgr ctrl.Manager) error {
	obj := r.Kind.NewObject()
	if obj == nil {
		return fmt.Errorf("unsupported workload kind %q", r.Kind)
	}
	if r.handoff == nil {
		r.handoff = make(chan event.GenericEvent)
	}
	return ctrl.NewControllerManagedBy(mgr).
		Named(strings.ToLower(string(r.Kind))).
		Watches(obj, r.eventHandler()).
		WatchesRawSource(source.Channel(r.handoff, &handler.EnqueueRequestForObject{})).
		Complete(r)
}
