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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

var _ = Describe("Namespace Controller", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	reconcileNamespace := func(r *NamespaceReconciler, name string) {
		_, err := r.Reconcile(ctx, reconcile.Request{NamespacedName: types.NamespacedName{Name: name}})
		Expect(err).NotTo(HaveOccurred())
	}

	Context("When a namespace is enabled", func() {
		It("should create autoscalers for its existing workloads", func() {
			By("creating an enabled namespace with two deployments")
			createNamespace("ns-enable", true)
			createDeployment("ns-enable", "web")
			createDeployment("ns-enable", "api")

			r := &NamespaceReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine, Tracker: f.tracker, Drift: f.drift}
			reconcileNamespace(r, "ns-enable")

			for _, name := range []string{"web", "api"} {
				hpa, err := getAutoscaler("ns-enable", name)
				Expect(err).NotTo(HaveOccurred())
				Expect(scaling.IsManaged(hpa)).To(BeTrue())
			}
			enabled, known := f.tracker.IsEnabled("ns-enable")
			Expect(known).To(BeTrue())
			Expect(enabled).To(BeTrue())
		})

		It("should skip workloads whose grace window is still open", func() {
			createNamespace("ns-pending", true)
			createDeployment("ns-pending", "web")
			f.arbiter.Observe(deploymentRef("ns-pending", "web"))

			r := &NamespaceReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine, Tracker: f.tracker, Drift: f.drift}
			reconcileNamespace(r, "ns-pending")

			_, err := getAutoscaler("ns-pending", "web")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})

	Context("When a namespace is disabled", func() {
		It("should keep managed autoscalers by default", func() {
			createNamespace("ns-keep", false)
			createDeployment("ns-keep", "web")
			createAutoscaler(scaling.NewAutoscaler(deploymentRef("ns-keep", "web"), policy.Defaults()))

			r := &NamespaceReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine, Tracker: f.tracker, Drift: f.drift}
			reconcileNamespace(r, "ns-keep")

			_, err := getAutoscaler("ns-keep", "web")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should delete managed autoscalers when configured to", func() {
			createNamespace("ns-drop", false)
			createDeployment("ns-drop", "web")
			createAutoscaler(scaling.NewAutoscaler(deploymentRef("ns-drop", "web"), policy.Defaults()))
			custom := scaling.NewAutoscaler(deploymentRef("ns-drop", "web"), policy.Defaults())
			custom.Name = "custom"
			custom.Labels = nil
			createAutoscaler(custom)

			f.engine.DeleteOnDisable = true
			r := &NamespaceReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine, Tracker: f.tracker, Drift: f.drift}
			reconcileNamespace(r, "ns-drop")

			_, err := getAutoscaler("ns-drop", "web")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			By("leaving the unmanaged autoscaler alone")
			_, err = getAutoscaler("ns-drop", "custom")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("When a namespace is deleted", func() {
		It("should forget it", func() {
			f.tracker.Observe("ns-gone", map[string]string{policy.EnableAnnotation: "true"})

			r := &NamespaceReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine, Tracker: f.tracker, Drift: f.drift}
			reconcileNamespace(r, "ns-gone")

			_, known := f.tracker.IsEnabled("ns-gone")
			Expect(known).To(BeFalse())
		})
	})
})
