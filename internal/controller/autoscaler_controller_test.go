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
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

var _ = Describe("Autoscaler Controller", func() {
	var (
		f *fixture
		r *AutoscalerReconciler
	)

	BeforeEach(func() {
		f = newFixture()
		r = &AutoscalerReconciler{Client: k8sClient, Scheme: k8sClient.Scheme(), Engine: f.engine}
	})

	request := func(ns, name string) reconcile.Request {
		return reconcile.Request{NamespacedName: types.NamespacedName{Namespace: ns, Name: name}}
	}

	It("should adopt an autoscaler when the ownership label is attached", func() {
		createNamespace("hpa-adopt", true)
		createDeployment("hpa-adopt", "web")
		ref := deploymentRef("hpa-adopt", "web")

		By("creating an unmanaged autoscaler")
		hpa := scaling.NewAutoscaler(ref, policy.HpaPolicy{MinReplicas: 4, MaxReplicas: 40})
		hpa.Name = "handmade"
		hpa.Labels = nil
		createAutoscaler(hpa)

		_, err := r.Reconcile(ctx, request("hpa-adopt", "handmade"))
		Expect(err).NotTo(HaveOccurred())
		_, recorded := f.engine.ManagedRecords().Get(ref)
		Expect(recorded).To(BeFalse())

		By("attaching the ownership label")
		hpa, err = getAutoscaler("hpa-adopt", "handmade")
		Expect(err).NotTo(HaveOccurred())
		hpa.Labels = map[string]string{scaling.ManagedByLabel: scaling.ManagedByValue}
		Expect(k8sClient.Update(ctx, hpa)).To(Succeed())

		_, err = r.Reconcile(ctx, request("hpa-adopt", "handmade"))
		Expect(err).NotTo(HaveOccurred())

		hpa, err = getAutoscaler("hpa-adopt", "handmade")
		Expect(err).NotTo(HaveOccurred())
		Expect(scaling.PolicyOf(hpa).Equal(policy.Defaults())).To(BeTrue())
		rec, recorded := f.engine.ManagedRecords().Get(ref)
		Expect(recorded).To(BeTrue())
		Expect(rec.Name).To(Equal("handmade"))
	})

	It("should release an autoscaler when the ownership label is removed", func() {
		createNamespace("hpa-release", true)
		createDeployment("hpa-release", "web")
		ref := deploymentRef("hpa-release", "web")
		createAutoscaler(scaling.NewAutoscaler(ref, policy.Defaults()))

		_, err := r.Reconcile(ctx, request("hpa-release", "web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.engine.ManagedRecords().Len()).To(Equal(1))

		hpa, err := getAutoscaler("hpa-release", "web")
		Expect(err).NotTo(HaveOccurred())
		delete(hpa.Labels, scaling.ManagedByLabel)
		hpa.Spec.MaxReplicas = 99
		Expect(k8sClient.Update(ctx, hpa)).To(Succeed())

		_, err = r.Reconcile(ctx, request("hpa-release", "web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.engine.ManagedRecords().Len()).To(Equal(0))

		By("never touching it again")
		_, err = f.engine.Reconcile(ctx, ref)
		Expect(err).NotTo(HaveOccurred())
		hpa, err = getAutoscaler("hpa-release", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(hpa.Spec.MaxReplicas).To(Equal(int32(99)))
	})

	It("should drop the record of a deleted autoscaler", func() {
		ref := deploymentRef("hpa-deleted", "web")
		f.engine.ManagedRecords().Put(scaling.ManagedRecord{Namespace: "hpa-deleted", Name: "web", Target: ref})

		_, err := r.Reconcile(ctx, request("hpa-deleted", "web"))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.engine.ManagedRecords().Len()).To(Equal(0))
	})

	It("should ignore managed autoscalers with unsupported targets", func() {
		hpa := &autoscalingv2.HorizontalPodAutoscaler{}
		hpa.Name = "rs"
		hpa.Namespace = "hpa-unsupported"
		hpa.Labels = map[string]string{scaling.ManagedByLabel: scaling.ManagedByValue}
		hpa.Spec.ScaleTargetRef = autoscalingv2.CrossVersionObjectReference{APIVersion: "apps/v1", Kind: "ReplicaSet", Name: "rs"}
		hpa.Spec.MaxReplicas = 3
		createAutoscaler(hpa)

		_, err := r.Reconcile(ctx, request("hpa-unsupported", "rs"))
		Expect(err).NotTo(HaveOccurred())
		Expect(f.engine.ManagedRecords().Len()).To(Equal(0))
	})
})
