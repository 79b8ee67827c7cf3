package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

// Version is set at build time via ldflags
var Version = "dev"

// DefaultAddr is where the status API listens unless configured otherwise.
const DefaultAddr = ":8082"

// Server exposes the controller's in-memory view of namespaces, policies and
// managed autoscalers as a small JSON API.
type Server struct {
	K8sClient     kubernetes.Interface
	MetricsClient metricsv.Interface
	Tracker       *policy.Tracker
	Resolver      *policy.Resolver
	Records       *scaling.Records
	Drift         *scaling.DriftCorrector
	Addr          string
	// Elected is closed once this replica leads. Routes that write to the
	// cluster answer 503 until then. Nil means always leading.
	Elected <-chan struct{}
	// Token guards every route but /api/version. Empty disables auth.
	Token string
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("api-server")

	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Starting API server", "addr", addr, "auth", s.Token != "")

	go func() {
		<-ctx.Done()
		log.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NeedLeaderElection lets every replica answer status queries. Writes are
// gated on Elected instead.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Router builds the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests(logf.Log.WithName("api-server")))
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(TokenMiddleware(s.Token))
	protected.HandleFunc("/namespaces", s.handleNamespaces).Methods(http.MethodGet)
	protected.HandleFunc("/namespaces/{namespace}/policy", s.handleNamespacePolicy).Methods(http.MethodGet)
	protected.HandleFunc("/namespaces/{namespace}/sync", s.handleNamespaceSync).Methods(http.MethodPost)
	protected.HandleFunc("/autoscalers", s.handleAutoscalers).Methods(http.MethodGet)
	protected.HandleFunc("/cluster-info", s.handleClusterInfo).Methods(http.MethodGet)
	protected.HandleFunc("/operator/health", s.handleOperatorHealth).Methods(http.MethodGet)
	return r
}

func logRequests(log logr.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.V(1).Info("Served request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tracker.Snapshot())
}

type policyResponse struct {
	Namespace string           `json:"namespace"`
	Enabled   bool             `json:"enabled"`
	Policy    policy.HpaPolicy `json:"policy"`
	Errors    []string         `json:"errors,omitempty"`
}

func (s *Server) handleNamespacePolicy(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["namespace"]

	p, err := s.Resolver.Resolve(r.Context(), ns)
	if err != nil && !policy.IsConfigurationError(err) {
		logf.Log.Error(err, "Failed to resolve policy", "namespace", ns)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := policyResponse{Namespace: ns, Policy: p}
	resp.Enabled, _ = s.Tracker.IsEnabled(ns)
	for _, cfgErr := range policy.ConfigurationErrors(err) {
		resp.Errors = append(resp.Errors, cfgErr.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNamespaceSync(w http.ResponseWriter, r *http.Request) {
	ns := mux.Vars(r)["namespace"]
	if s.Drift == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("drift correction is not running"))
		return
	}
	if !s.leading() {
		writeError(w, http.StatusServiceUnavailable, errors.New("this replica is not the leader"))
		return
	}

	n, err := s.Drift.SyncNamespace(r.Context(), ns)
	if err != nil {
		logf.Log.Error(err, "Manual sync failed", "namespace", ns)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logf.Log.Info("Manual sync finished", "namespace", ns, "autoscalers", n)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":  ns,
		"reconciled": n,
	})
}

func (s *Server) leading() bool {
	if s.Elected == nil {
		return true
	}
	select {
	case <-s.Elected:
		return true
	default:
		return false
	}
}

func (s *Server) handleAutoscalers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Records.List(r.URL.Query().Get("namespace")))
}

func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	dc := s.K8sClient.Discovery()
	version, err := dc.ServerVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	_, hpaErr := dc.ServerResourcesForGroupVersion(autoscalingv2.SchemeGroupVersion.String())
	_, metricsErr := dc.ServerResourcesForGroupVersion(metricsv1beta1.SchemeGroupVersion.String())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":           version.GitVersion,
		"platform":          version.Platform,
		"autoscalingV2":     hpaErr == nil,
		"resourceMetrics":   metricsErr == nil,
		"enabledNamespaces": len(s.Tracker.Enabled()),
	})
}

func (s *Server) handleOperatorHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	podName := os.Getenv("HOSTNAME")
	podNs := getOperatorNamespace()

	usageCPU := float64(0)
	usageMem := float64(m.Alloc) / 1024 / 1024
	metricsAvailable := false

	if podName != "" && s.MetricsClient != nil {
		if podMetrics, err := s.MetricsClient.MetricsV1beta1().PodMetricses(podNs).Get(r.Context(), podName, metav1.GetOptions{}); err == nil {
			totalCPU := int64(0)
			totalMem := int64(0)
			for _, container := range podMetrics.Containers {
				totalCPU += container.Usage.Cpu().MilliValue()
				totalMem += container.Usage.Memory().Value()
			}
			usageCPU = float64(totalCPU) / 1000.0
			usageMem = float64(totalMem) / 1024 / 1024
			metricsAvailable = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"pod":                podName,
		"namespace":          podNs,
		"managedAutoscalers": s.Records.Len(),
		"enabledNamespaces":  len(s.Tracker.Enabled()),
		"metricsAvailable":   metricsAvailable,
		"cpuUsage":           usageCPU,
		"memoryUsage":        usageMem,
		"goroutines":         runtime.NumGoroutine(),
		"heapAllocMiB":       float64(m.HeapAlloc) / 1024 / 1024,
		"gcCycles":           m.NumGC,
		"timestamp":          metav1.Now(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func getOperatorNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "auto-hpa"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
