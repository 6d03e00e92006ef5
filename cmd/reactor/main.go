// reactor watches Kubernetes resources and forwards their events to a
// RabbitMQ broker. Objects received on the apply queue are created or
// patched in the cluster.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/potooio/reactor/internal/broker"
	"github.com/potooio/reactor/internal/kube"
	"github.com/potooio/reactor/internal/operator"
	"github.com/potooio/reactor/internal/watcher"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var (
		metricsAddr      string
		healthAddr       string
		leaderElect      bool
		watches          string
		crdsPath         string
		createCRDs       bool
		brokerConfigPath string
		publisher        string
		applyQueue       string
		restartRate      float64
		restartBurst     int
		shutdownTimeout  time.Duration
	)

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&healthAddr, "health-probe-bind-address", ":8081", "The address the health probe endpoint binds to.")
	flag.BoolVar(&leaderElect, "leader-elect", false, "Enable leader election so only one replica reacts to events.")
	flag.StringVar(&watches, "watch", "", "Comma-separated list of resources to watch, as apiVersion:Kind[:namespace[:name]].")
	flag.StringVar(&crdsPath, "crds", "", "YAML file of CustomResourceDefinitions to load before watching.")
	flag.BoolVar(&createCRDs, "create-crds", false, "Create the CustomResourceDefinitions missing from the cluster.")
	flag.StringVar(&brokerConfigPath, "broker-config", "", "YAML file describing the broker topology. Without it no broker is used.")
	flag.StringVar(&publisher, "publisher", "", "Name of the broker publisher that receives watch events.")
	flag.StringVar(&applyQueue, "apply-queue", "", "Queue whose messages are applied to the cluster as objects.")
	flag.Float64Var(&restartRate, "watch-restart-rate", 0, "Maximum watch restarts per second per resource. 0 means unlimited.")
	flag.IntVar(&restartBurst, "watch-restart-burst", 5, "Burst of watch restarts allowed above the restart rate.")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for watchers and consumers to stop.")
	flag.Parse()

	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logConfig.Build()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	descs, err := parseWatches(watches)
	if err != nil {
		logger.Fatal("Invalid --watch", zap.Error(err))
	}

	logger.Info("Starting reactor",
		zap.String("version", "dev"),
		zap.Bool("leader_elect", leaderElect),
		zap.Int("watches", len(descs)),
		zap.String("publisher", publisher),
	)

	cfg := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:                 scheme,
		LeaderElection:         leaderElect,
		LeaderElectionID:       "reactor-leader",
		HealthProbeBindAddress: healthAddr,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
	})
	if err != nil {
		logger.Fatal("Unable to create manager", zap.Error(err))
	}

	client, err := kube.NewForConfig(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create kube client", zap.Error(err))
	}

	// Broker is optional; without it watch events are only logged.
	var engine *broker.Engine
	if brokerConfigPath != "" {
		brokerCfg, err := broker.LoadConfig(brokerConfigPath)
		if err != nil {
			logger.Fatal("Failed to load broker config", zap.Error(err))
		}
		// Environment variable override for the broker URL (allows Secret mounting).
		if url := os.Getenv("REACTOR_AMQP_URL"); url != "" {
			brokerCfg.URL = url
		}

		consumers := map[string]broker.ConsumerHandler{}
		if applyQueue != "" {
			consumers[applyQueue] = applyHandler(client, logger.Named("apply"))
		}
		engine = broker.NewEngine(broker.Options{
			Config:    *brokerCfg,
			Consumers: consumers,
			Logger:    logger,
			OnError: func(_ context.Context, err error) {
				logger.Warn("Broker message rejected", zap.Error(err))
			},
		})
	} else if publisher != "" || applyQueue != "" {
		logger.Fatal("--publisher and --apply-queue require --broker-config")
	}

	publishers := func() broker.Publishers {
		if engine == nil {
			return broker.Publishers{}
		}
		return engine.Publishers()
	}

	watcherOpts := watcher.DefaultOptions()
	watcherOpts.Logger = logger
	watchers := make([]*watcher.ResourceWatcher, 0, len(descs))
	for _, desc := range descs {
		opts := watcherOpts
		if restartRate > 0 {
			opts.RestartLimiter = rate.NewLimiter(rate.Limit(restartRate), restartBurst)
		}
		hooks := forwardHooks(logger.Named("forward"), publishers, publisher, desc)
		watchers = append(watchers, watcher.New(desc, hooks, opts))
	}

	opOpts := operator.Options{
		Watchers:        watchers,
		CreateCRDs:      createCRDs,
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger,
	}
	if crdsPath != "" {
		crds, err := loadCRDs(crdsPath)
		if err != nil {
			logger.Fatal("Failed to read CRDs", zap.Error(err))
		}
		opOpts.CRDs = crds
	}
	if engine != nil {
		withBroker(&opOpts, engine)
	}
	op := operator.New(client, opOpts)

	if err := mgr.AddHealthzCheck("healthz", op.Healthz); err != nil {
		logger.Fatal("Unable to set up health check", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", op.Readyz); err != nil {
		logger.Fatal("Unable to set up readiness check", zap.Error(err))
	}
	if err := mgr.Add(op); err != nil {
		logger.Fatal("Failed to add operator to manager", zap.Error(err))
	}

	// Start manager (blocks until context is cancelled)
	ctx := ctrl.SetupSignalHandler()
	logger.Info("Starting manager")
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("Manager exited with error", zap.Error(err))
	}
}
