package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	fleetv1alpha1 "github.com/okonek/taskfleet/api/v1alpha1"
	"github.com/okonek/taskfleet/internal/cancel"
	"github.com/okonek/taskfleet/internal/config"
	"github.com/okonek/taskfleet/internal/controllers"
	"github.com/okonek/taskfleet/internal/github"
	"github.com/okonek/taskfleet/internal/lease"
	"github.com/okonek/taskfleet/internal/remediation"
	"github.com/okonek/taskfleet/internal/webhook"
	"github.com/okonek/taskfleet/internal/workflow"
	"github.com/okonek/taskfleet/pkg/logging"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(fleetv1alpha1.AddToScheme(scheme))
}

const sweepInterval = time.Hour

func main() {
	var metricsAddr string
	var probeAddr string
	var webhookAddr string
	var enableLeaderElection bool
	var namespace string
	var repoSlug string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&webhookAddr, "webhook-bind-address", ":9000", "The address the repository webhook binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.StringVar(&namespace, "namespace", "taskfleet", "Namespace the operator manages.")
	flag.StringVar(&repoSlug, "repository", "", "Default owner/repo slug for workflow resume context.")

	logLevel := logging.ParseLogLevel(os.Getenv("LOG_LEVEL"))
	opts := zap.Options{
		Development: logLevel.String() == "debug",
		Level:       logLevel,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	appLog := logging.NewLogger("manager")

	cfgStore := config.NewStore(config.ResolvePath(), appLog.Named("config"))

	restConfig := ctrl.GetConfigOrDie()

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "taskfleet-operator.okonek.dev",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	// Clientset for agent pod log access (result extraction).
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create kubernetes clientset")
		os.Exit(1)
	}

	var verifier controllers.CompletionVerifier
	if token := os.Getenv(webhook.TokenEnvVar); token != "" && repoSlug != "" {
		owner, repo, ok := splitSlug(repoSlug)
		if ok {
			verifier = github.NewClient(token, owner, repo)
		} else {
			setupLog.Info("ignoring malformed repository slug", "repository", repoSlug)
		}
	}

	if err = (&controllers.TaskRunReconciler{
		Client:    mgr.GetClient(),
		Scheme:    mgr.GetScheme(),
		Config:    cfgStore,
		Verifier:  verifier,
		Clientset: clientset,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "TaskRun")
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

	store := remediation.NewStore(mgr.GetClient(), namespace, appLog.Named("remediation"))
	resumer := workflow.NewResumer(mgr.GetClient(), namespace, repoSlug, appLog.Named("workflow"))
	leases := lease.NewManager(mgr.GetClient(), namespace, holderIdentity(), lease.DefaultTTL)
	canceller := cancel.NewCanceller(mgr.GetClient(), leases, namespace, appLog.Named("cancel"))
	handler := webhook.NewHandler(webhook.DefaultFactories(resumer, store, canceller, appLog.Named("webhook")))

	// The webhook server, config watcher, and TTL sweeper run as manager
	// runnables so they share the manager's lifecycle and signal handling.
	if err := mgr.Add(webhookRunnable(webhookAddr, handler.Mux(), appLog)); err != nil {
		setupLog.Error(err, "unable to add webhook server")
		os.Exit(1)
	}
	if err := mgr.Add(runnableFunc(func(ctx context.Context) error {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		return cfgStore.Watch(stop)
	})); err != nil {
		setupLog.Error(err, "unable to add config watcher")
		os.Exit(1)
	}
	if err := mgr.Add(runnableFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := store.Sweep(ctx); err != nil {
					appLog.Warnw("remediation sweep failed", "error", err)
				}
			}
		}
	})); err != nil {
		setupLog.Error(err, "unable to add remediation sweeper")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// runnableFunc adapts a function to the manager Runnable interface.
type runnableFunc func(ctx context.Context) error

func (f runnableFunc) Start(ctx context.Context) error { return f(ctx) }

// webhookRunnable serves the repository webhook with graceful shutdown tied
// to the manager context.
func webhookRunnable(addr string, mux *http.ServeMux, logger interface{ Infow(string, ...interface{}) }) runnableFunc {
	return func(ctx context.Context) error {
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Infow("webhook server listening", "addr", addr)
			errCh <- server.ListenAndServe()
		}()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}

// holderIdentity identifies this replica for lease ownership, preferring the
// pod name.
func holderIdentity() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "taskfleet-operator"
}

func splitSlug(slug string) (owner, repo string, ok bool) {
	for i := 0; i < len(slug); i++ {
		if slug[i] == '/' {
			if i == 0 || i == len(slug)-1 {
				return "", "", false
			}
			return slug[:i], slug[i+1:], true
		}
	}
	return "", "", false
}
