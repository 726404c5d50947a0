package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/tunnelhub/tunneld/pkg/config"
	"github.com/tunnelhub/tunneld/pkg/logging"
	"github.com/tunnelhub/tunneld/pkg/metrics"
	"github.com/tunnelhub/tunneld/pkg/registry"
	"github.com/tunnelhub/tunneld/pkg/server"
)

var (
	configFile   = kingpin.Flag("config.file", "Path to YAML configuration file.").Default("").String()
	bindAddr     = kingpin.Flag("bind-addr", "Public HTTP listen address.").String()
	domain       = kingpin.Flag("domain", "Base domain suffix tunnel URLs are built from.").String()
	secure       = kingpin.Flag("secure", "Advertise tunnel URLs as https://.").Bool()
	landing      = kingpin.Flag("landing", "Redirect target for requests to the bare domain.").String()
	webListen    = kingpin.Flag("web.listen-address", "Metrics listen address.").String()
	webTelemetry = kingpin.Flag("web.telemetry-path", "Metrics path.").String()
)

func main() {
	kingpin.Version("tunneld")
	kingpin.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logging.Fatalf("loading config: %v", err)
	}
	applyFlagOverrides(cfg)

	registryManager := registry.NewManager(registry.Options{
		MaxTCPSockets:         cfg.Tunnel.MaxTCPSockets,
		SocketTimeout:         cfg.SocketTimeout(),
		WaiterTimeout:         cfg.WaiterTimeout(),
		WaiterCap:             cfg.Tunnel.WaiterQueueCap,
		MaxClients:            cfg.Tunnel.MaxClients,
		PublicIPLookupURL:     cfg.Tunnel.PublicIPLookupURL,
		PublicIPLookupTimeout: cfg.PublicIPLookupTimeout(),
	})

	collector := metrics.NewCollector(registryManager)
	registryManager.SetMetrics(collector)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collector)

	srv := server.New(cfg, registryManager, collector)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Logf("main: shutdown signal received")
		cancel()
	}()

	go startMetricsServer(cfg, promRegistry)

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			logging.Logf("main: shutdown error: %v", err)
		}
	}()

	logging.Logf("main: starting tunneld")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Fatalf("main: server error: %v", err)
	}
	logging.Flush()
}

func applyFlagOverrides(cfg *config.Config) {
	if *bindAddr != "" {
		cfg.Server.BindAddr = *bindAddr
	}
	if *domain != "" {
		cfg.Server.Domain = *domain
	}
	if *secure {
		cfg.Server.Secure = true
	}
	if *landing != "" {
		cfg.Server.Landing = *landing
	}
	if *webListen != "" {
		cfg.Metrics.ListenAddress = *webListen
	}
	if *webTelemetry != "" {
		cfg.Metrics.TelemetryPath = *webTelemetry
	}
}

func startMetricsServer(cfg *config.Config, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.TelemetryPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><h1>tunneld</h1><p><a href=\"" + cfg.Metrics.TelemetryPath + "\">metrics</a></p></body></html>"))
	})

	logging.Logf("main: metrics listening on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.TelemetryPath)
	if err := http.ListenAndServe(cfg.Metrics.ListenAddress, mux); err != nil {
		logging.Logf("main: metrics server error: %v", err)
	}
}
