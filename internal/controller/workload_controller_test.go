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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

var _ = Describe("Workload Controller", func() {
	var (
		f     *fixture
		r     *WorkloadReconciler
		queue workqueue.TypedRateLimitingInterface[reconcile.Request]
	)

	BeforeEach(func() {
		f = newFixture()
		r = NewWorkloadReconciler(k8sClient, k8sClient.Scheme(), scaling.KindDeployment, f.engine, f.arbiter, f.tracker)
		queue = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[reconcile.Request]())
	})

	AfterEach(func() {
		queue.ShutDown()
	})

	Context("When a deployment is created", func() {
		It("should open a grace window instead of reconciling", func() {
			d := createDeployment("wl-create", "web")
			r.eventHandler().Create(ctx, event.CreateEvent{Object: d}, queue)

			Expect(f.arbiter.Pending(deploymentRef("wl-create", "web"))).To(BeTrue())
			Expect(queue.Len()).To(Equal(0))
		})

		It("should ignore workloads of a known disabled namespace", func() {
			f.tracker.Observe("wl-disabled", nil)
			d := createDeployment("wl-disabled", "web")
			r.eventHandler().Create(ctx, event.CreateEvent{Object: d}, queue)

			Expect(f.arbiter.Pending(deploymentRef("wl-disabled", "web"))).To(BeFalse())
		})

		It("should open a grace window when the policy ConfigMap was seen before the namespace", func() {
			createNamespace("wl-cm-first", true)
			Expect(k8sClient.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: policy.DefaultConfigMapName, Namespace: "wl-cm-first"},
				Data:       map[string]string{"max_replicas": "20"},
			})).To(Succeed())
			cmReconciler := &PolicyConfigMapReconciler{
				Client:   k8sClient,
				Scheme:   k8sClient.Scheme(),
				Tracker:  f.tracker,
				Drift:    f.drift,
				Recorder: f.recorder,
			}
			_, err := cmReconciler.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{
				Namespace: "wl-cm-first", Name: policy.DefaultConfigMapName}})
			Expect(err).NotTo(HaveOccurred())

			d := createDeployment("wl-cm-first", "web")
			r.eventHandler().Create(ctx, event.CreateEvent{Object: d}, queue)

			Expect(f.arbiter.Pending(deploymentRef("wl-cm-first", "web"))).To(BeTrue())
		})

		It("should create the autoscaler after the window through the handoff", func() {
			By("preparing ns1 with a policy")
			createNamespace("ns1", true)
			Expect(k8sClient.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: policy.DefaultConfigMapName, Namespace: "ns1"},
				Data:       map[string]string{"min_replicas": "2", "max_replicas": "10", "cpu_average": "70"},
			})).To(Succeed())
			d := createDeployment("ns1", "web")

			f.arbiter.Handoff = Dispatch(r)
			r.eventHandler().Create(ctx, event.CreateEvent{Object: d}, queue)

			By("letting the grace window elapse")
			received := make(chan event.GenericEvent, 1)
			go func() { received <- <-r.handoff }()
			f.clock.Step(scaling.DefaultGracePeriod)

			var evt event.GenericEvent
			Eventually(received, 2*time.Second).Should(Receive(&evt))
			Expect(evt.Object.GetNamespace()).To(Equal("ns1"))
			Expect(evt.Object.GetName()).To(Equal("web"))

			By("reconciling the handed-off request")
			_, err := r.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{Namespace: "ns1", Name: "web"}})
			Expect(err).NotTo(HaveOccurred())

			hpa, err := getAutoscaler("ns1", "web")
			Expect(err).NotTo(HaveOccurred())
			Expect(hpa.Labels).To(HaveKeyWithValue(scaling.ManagedByLabel, scaling.ManagedByValue))
			Expect(*hpa.Spec.MinReplicas).To(Equal(int32(2)))
			Expect(hpa.Spec.MaxReplicas).To(Equal(int32(10)))
			got := scaling.PolicyOf(hpa)
			Expect(*got.CPUUtilization).To(Equal(int32(70)))
			Expect(*got.MemoryUtilization).To(Equal(int32(50)))
		})
	})

	Context("When a deployment changes", func() {
		It("should enqueue spec changes once the window is closed", func() {
			d := createDeployment("wl-update", "web")
			updated := d.DeepCopy()
			updated.Generation = d.Generation + 1
			updated.Spec.Replicas = ptr.To[int32](3)

			r.eventHandler().Update(ctx, event.UpdateEvent{ObjectOld: d, ObjectNew: d.DeepCopy()}, queue)
			Expect(queue.Len()).To(Equal(0))

			f.arbiter.Observe(deploymentRef("wl-update", "web"))
			r.eventHandler().Update(ctx, event.UpdateEvent{ObjectOld: d, ObjectNew: updated}, queue)
			Expect(queue.Len()).To(Equal(0))

			f.arbiter.Cancel(deploymentRef("wl-update", "web"))
			r.eventHandler().Update(ctx, event.UpdateEvent{ObjectOld: d, ObjectNew: updated}, queue)
			Expect(queue.Len()).To(Equal(1))
		})
	})

	Context("When a deployment is deleted", func() {
		It("should cancel its window and reconcile", func() {
			d := createDeployment("wl-delete", "web")
			ref := deploymentRef("wl-delete", "web")
			f.arbiter.Observe(ref)

			r.eventHandler().Delete(ctx, event.DeleteEvent{Object: d}, queue)

			Expect(f.arbiter.Pending(ref)).To(BeFalse())
			Expect(queue.Len()).To(Equal(1))
		})

		It("should delete its managed autoscaler", func() {
			createNamespace("wl-orphan", true)
			d := createDeployment("wl-orphan", "web")
			createAutoscaler(scaling.NewAutoscaler(deploymentRef("wl-orphan", "web"), policy.Defaults()))
			Expect(k8sClient.Delete(ctx, d)).To(Succeed())

			_, err := r.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{Namespace: "wl-orphan", Name: "web"}})
			Expect(err).NotTo(HaveOccurred())

			_, err = getAutoscaler("wl-orphan", "web")
			Expect(err).To(HaveOccurred())
		})
	})
})
