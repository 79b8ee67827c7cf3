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

package main

import (
	"crypto/tls"
	"flag"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/migalsp/auto-hpa-controller/internal/api"
	"github.com/migalsp/auto-hpa-controller/internal/controller"
	"github.com/migalsp/auto-hpa-controller/internal/policy"
	"github.com/migalsp/auto-hpa-controller/internal/scaling"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var apiAddr string
	var enableLeaderElection bool
	var secureMetrics bool
	var enableHTTP2 bool
	var gracePeriod time.Duration
	var driftInterval time.Duration
	var configMapName string
	var deleteOnDisable bool
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&apiAddr, "api-bind-address", api.DefaultAddr, "The address the status API binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.DurationVar(&gracePeriod, "grace-period", scaling.DefaultGracePeriod,
		"How long a new workload waits for a user-supplied autoscaler before one is created.")
	flag.DurationVar(&driftInterval, "drift-interval", scaling.DefaultDriftInterval,
		"Period of the sweep that re-applies namespace policies to managed autoscalers.")
	flag.StringVar(&configMapName, "config-map-name", policy.DefaultConfigMapName,
		"Name of the per-namespace ConfigMap holding the autoscaling policy.")
	flag.BoolVar(&deleteOnDisable, "delete-on-disable", false,
		"Delete managed autoscalers of namespaces that lose the enable annotation.")
	opts := zap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More info: https://github.com/kubernetes/kubernetes/issues/115413
	var tlsOpts []func(*tls.Config)
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			c.NextProtos = []string{"http/1.1"}
		})
	}

	cfg := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme: scheme,
		Metrics: server.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "auto-hpa-controller.migalsp.github.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	k8sClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes clientset")
		os.Exit(1)
	}
	metricsClient, err := metricsv.NewForConfig(cfg)
	if err != nil {
		setupLog.Error(err, "unable to create metrics clientset")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	if err := scaling.SetupIndexes(ctx, mgr.GetFieldIndexer()); err != nil {
		setupLog.Error(err, "unable to set up field indexes")
		os.Exit(1)
	}

	tracker := policy.NewTracker()
	resolver := &policy.Resolver{Reader: mgr.GetClient(), ConfigMapName: configMapName}
	records := scaling.NewRecords()
	arbiter := &scaling.Arbiter{Client: mgr.GetClient(), Window: gracePeriod}
	engine := &scaling.Engine{
		Client:          mgr.GetClient(),
		APIReader:       mgr.GetAPIReader(),
		Recorder:        mgr.GetEventRecorderFor("auto-hpa-controller"),
		Resolver:        resolver,
		Namespaces:      tracker,
		Records:         records,
		Gate:            arbiter,
		DeleteOnDisable: deleteOnDisable,
	}
	drift := &scaling.DriftCorrector{Engine: engine, Client: mgr.GetClient(), Interval: driftInterval}

	workloads := make([]*controller.WorkloadReconciler, 0, len(scaling.Kinds))
	for _, kind := range scaling.Kinds {
		workloads = append(workloads, controller.NewWorkloadReconciler(mgr.GetClient(), mgr.GetScheme(), kind, engine, arbiter, tracker))
	}
	arbiter.Handoff = controller.Dispatch(workloads...)

	for _, r := range workloads {
		if err := r.SetupWithManager(mgr); err != nil {
			setupLog.Error(err, "unable to create controller", "controller", string(r.Kind))
			os.Exit(1)
		}
	}
	if err = (&controller.NamespaceReconciler{
		Client:  mgr.GetClient(),
		Scheme:  mgr.GetScheme(),
		Engine:  engine,
		Tracker: tracker,
		Drift:   drift,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Namespace")
		os.Exit(1)
	}
	if err = (&controller.PolicyConfigMapReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		Tracker:       tracker,
		Drift:         drift,
		ConfigMapName: configMapName,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "ConfigMap")
		os.Exit(1)
	}
	if err = (&controller.AutoscalerReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Engine: engine,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "HorizontalPodAutoscaler")
		os.Exit(1)
	}

	if err := mgr.Add(arbiter); err != nil {
		setupLog.Error(err, "unable to add grace arbiter")
		os.Exit(1)
	}
	if err := mgr.Add(drift); err != nil {
		setupLog.Error(err, "unable to add drift corrector")
		os.Exit(1)
	}

	apiServer := &api.Server{
		K8sClient:     k8sClient,
		MetricsClient: metricsClient,
		Tracker:       tracker,
		Resolver:      resolver,
		Records:       records,
		Drift:         drift,
		Addr:          apiAddr,
		Elected:       mgr.Elected(),
		Token:         api.TokenFromEnv(),
	}
	if err := mgr.Add(apiServer); err != nil {
		setupLog.Error(err, "unable to add API server")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("autoscaling", api.AutoscalingAPICheck(k8sClient.Discovery())); err != nil {
		setupLog.Error(err, "unable to set up autoscaling API check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "gracePeriod", gracePeriod, "driftInterval", driftInterval,
		"configMap", configMapName, "deleteOnDisable", deleteOnDisable)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
