package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	kernelv1alpha1 "github.com/bayleafwalker/bindery-kernel/api/v1alpha1"
	"github.com/bayleafwalker/bindery-kernel/internal/admin"
	"github.com/bayleafwalker/bindery-kernel/internal/config"
	"github.com/bayleafwalker/bindery-kernel/internal/demo"
	"github.com/bayleafwalker/bindery-kernel/internal/events"
	"github.com/bayleafwalker/bindery-kernel/internal/fetch"
	"github.com/bayleafwalker/bindery-kernel/internal/kernel"
	"github.com/bayleafwalker/bindery-kernel/internal/registry"
	"github.com/bayleafwalker/bindery-kernel/internal/transport"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(kernelv1alpha1.AddToScheme(scheme))
}

func main() {
	var configPath string
	var adminAddr string
	var grpcAddr string
	var withDemo bool

	flag.StringVar(&configPath, "config", "", "Path to the kernel TOML config. Built-in defaults apply when empty.")
	flag.StringVar(&adminAddr, "admin-bind-address", "", "Overrides admin_addr from the config.")
	flag.StringVar(&grpcAddr, "grpc-bind-address", "", "Overrides grpc_addr from the config.")
	flag.BoolVar(&withDemo, "demo", true, "Publish the built-in demo units.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			setupLog.Error(err, "unable to load config")
			os.Exit(1)
		}
	}
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}

	if err := run(ctrl.SetupSignalHandler(), cfg, withDemo); err != nil {
		setupLog.Error(err, "kernel exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, withDemo bool) error {
	catalog := transport.NewCatalog()
	catalog.Fallback = transport.Synthesize
	static := registry.NewStatic(cfg.Registry.Units...)
	if withDemo {
		if err := demo.Install(catalog, static, demo.Options{}); err != nil {
			return fmt.Errorf("install demo units: %w", err)
		}
	}

	httpFetcher := fetch.NewHTTP(nil)
	fetchers := fetch.ByScheme{"http": httpFetcher, "https": httpFetcher}

	var resolver registry.Resolver = static
	kc, err := kubeClient()
	switch {
	case err == nil:
		fetchers[fetch.ConfigMapScheme] = fetch.NewConfigMap(kc)
	case cfg.Registry.Kind == config.RegistryKube:
		return fmt.Errorf("kube registry needs cluster access: %w", err)
	default:
		setupLog.Info("no cluster access, configmap manifests disabled", "reason", err.Error())
	}
	if cfg.Registry.Kind == config.RegistryKube {
		resolver = registry.NewKube(kc, cfg.Registry.Namespace)
	}

	var sinks []events.Sink
	if cfg.NATS.URL != "" {
		sink, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	k, err := kernel.New(kernel.Options{
		Registry:         resolver,
		Transport:        catalog,
		Fetcher:          fetchers,
		Logger:           ctrl.Log,
		Registerer:       ctrlmetrics.Registry,
		Sinks:            sinks,
		Concurrency:      cfg.Concurrency,
		BootstrapTimeout: cfg.BootstrapTimeout,
		CyclePolicy:      cfg.CyclePolicy,
		FailurePolicy:    cfg.FailurePolicy,
	})
	if err != nil {
		return err
	}
	defer k.Close()
	k.InitRuntime(cfg.Runtime)

	gin.SetMode(gin.ReleaseMode)
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.New(cfg.Name, k, ctrlmetrics.Registry, ctrl.Log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		setupLog.Info("serving admin", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		setupLog.Info("serving grpc health", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		admin.NewHealthReporter(healthSrv).Run(gctx, k.Events())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return adminSrv.Shutdown(shutdownCtx)
	})

	reqs := cfg.Load
	if len(reqs) == 0 && withDemo {
		reqs = demo.Requests()
	}
	if len(reqs) > 0 {
		units, err := k.LoadUnitsByName(ctx, reqs, kernel.LoadOptions{LoadID: "startup"})
		if err != nil {
			setupLog.Error(err, "startup load failed", "loaded", len(units))
		} else {
			setupLog.Info("startup load finished", "units", len(units))
		}
	}

	return g.Wait()
}

func kubeClient() (client.Client, error) {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, err
	}
	return client.New(restCfg, client.Options{Scheme: scheme})
}
