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
	"sigs.k8s.io/controller-runtime/pkg/event"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
)

var _ = Describe("Predicates", func() {
	configMap := func(name string) *corev1.ConfigMap {
		return &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "pred"}}
	}

	It("should admit only the policy ConfigMap", func() {
		p := policyConfigMapPredicate(&policy.Resolver{})
		Expect(p.Create(event.CreateEvent{Object: configMap(policy.DefaultConfigMapName)})).To(BeTrue())
		Expect(p.Create(event.CreateEvent{Object: configMap("kube-root-ca.crt")})).To(BeFalse())

		custom := policyConfigMapPredicate(&policy.Resolver{ConfigMapName: "scaling"})
		Expect(custom.Update(event.UpdateEvent{ObjectOld: configMap("scaling"), ObjectNew: configMap("scaling")})).To(BeTrue())
		Expect(custom.Delete(event.DeleteEvent{Object: configMap(policy.DefaultConfigMapName)})).To(BeFalse())
	})

	It("should admit namespace updates only when annotations change", func() {
		p := annotationsChangedPredicate()
		old := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "pred", Annotations: map[string]string{"a": "1"}}}

		relabeled := old.DeepCopy()
		relabeled.Labels = map[string]string{"team": "x"}
		Expect(p.Update(event.UpdateEvent{ObjectOld: old, ObjectNew: relabeled})).To(BeFalse())

		enabled := old.DeepCopy()
		enabled.Annotations[policy.EnableAnnotation] = "true"
		Expect(p.Update(event.UpdateEvent{ObjectOld: old, ObjectNew: enabled})).To(BeTrue())
	})
})
