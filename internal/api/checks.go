package api

import (
	"fmt"
	"net/http"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	"k8s.io/client-go/discovery"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// AutoscalingAPICheck reports not ready until the API server serves autoscaling/v2.
func AutoscalingAPICheck(dc discovery.DiscoveryInterface) healthz.Checker {
	return func(_ *http.Request) error {
		if _, err := dc.ServerResourcesForGroupVersion(autoscalingv2.SchemeGroupVersion.String()); err != nil {
			return fmt.Errorf("%s is not served: %w", autoscalingv2.SchemeGroupVersion, err)
		}
		return nil
	}
}
