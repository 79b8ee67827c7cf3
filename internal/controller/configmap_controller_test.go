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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

var _ = Describe("Policy ConfigMap Controller", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	newReconciler := func() *PolicyConfigMapReconciler {
		return &PolicyConfigMapReconciler{
			Client:   k8sClient,
			Scheme:   k8sClient.Scheme(),
			Tracker:  f.tracker,
			Drift:    f.drift,
			Recorder: f.recorder,
		}
	}

	request := func(ns string) reconcile.Request {
		return reconcile.Request{NamespacedName: types.NamespacedName{Namespace: ns, Name: policy.DefaultConfigMapName}}
	}

	It("should push a changed policy to managed autoscalers only", func() {
		By("creating an enabled namespace with a managed and an unmanaged autoscaler")
		createNamespace("cm-propagate", true)
		f.tracker.Observe("cm-propagate", map[string]string{policy.EnableAnnotation: "true"})
		createDeployment("cm-propagate", "web")
		createDeployment("cm-propagate", "api")
		createAutoscaler(scaling.NewAutoscaler(deploymentRef("cm-propagate", "web"), policy.Defaults()))
		custom := scaling.NewAutoscaler(deploymentRef("cm-propagate", "api"), policy.Defaults())
		custom.Labels = nil
		createAutoscaler(custom)

		By("writing a policy with a new max_replicas")
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: policy.DefaultConfigMapName, Namespace: "cm-propagate"},
			Data:       map[string]string{"max_replicas": "20"},
		}
		Expect(k8sClient.Create(ctx, cm)).To(Succeed())

		_, err := newReconciler().Reconcile(ctx, request("cm-propagate"))
		Expect(err).NotTo(HaveOccurred())

		hpa, err := getAutoscaler("cm-propagate", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(hpa.Spec.MaxReplicas).To(Equal(int32(20)))

		hpa, err = getAutoscaler("cm-propagate", "api")
		Expect(err).NotTo(HaveOccurred())
		Expect(hpa.Spec.MaxReplicas).To(Equal(policy.DefaultMaxReplicas))

		p, ok := f.tracker.Policy("cm-propagate")
		Expect(ok).To(BeTrue())
		Expect(p.MaxReplicas).To(Equal(int32(20)))
	})

	It("should report malformed fields and fall back to defaults", func() {
		createNamespace("cm-invalid", false)
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: policy.DefaultConfigMapName, Namespace: "cm-invalid"},
			Data:       map[string]string{"cpu_average": "lots", "min_replicas": "2"},
		}
		Expect(k8sClient.Create(ctx, cm)).To(Succeed())

		_, err := newReconciler().Reconcile(ctx, request("cm-invalid"))
		Expect(err).NotTo(HaveOccurred())

		Expect(f.recorder.Events).To(Receive(HavePrefix("Warning InvalidConfiguration")))
		p, ok := f.tracker.Policy("cm-invalid")
		Expect(ok).To(BeTrue())
		Expect(p.MinReplicas).To(Equal(int32(2)))
		Expect(*p.CPUUtilization).To(Equal(policy.DefaultCPUUtilization))
	})

	It("should fall back to defaults when the ConfigMap is deleted", func() {
		f.tracker.SetPolicy("cm-deleted", policy.HpaPolicy{MinReplicas: 3, MaxReplicas: 30})

		_, err := newReconciler().Reconcile(ctx, request("cm-deleted"))
		Expect(err).NotTo(HaveOccurred())

		p, ok := f.tracker.Policy("cm-deleted")
		Expect(ok).To(BeTrue())
		Expect(p.Equal(policy.Defaults())).To(BeTrue())
	})
})
