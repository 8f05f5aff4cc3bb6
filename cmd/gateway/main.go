package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/atm0s-sip/gateway/internal/api"
	"github.com/atm0s-sip/gateway/internal/callmanager"
	"github.com/atm0s-sip/gateway/internal/config"
	"github.com/atm0s-sip/gateway/internal/directory"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/metrics"
	"github.com/atm0s-sip/gateway/internal/pubsub"
	"github.com/atm0s-sip/gateway/internal/sipgateway"
	"github.com/atm0s-sip/gateway/internal/token"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	publicIP := cfg.PublicIP
	if publicIP == "" && cfg.CloudMetadataDiscovery {
		if ip, err := discoverPublicIP(); err != nil {
			slog.Warn("cloud metadata public-ip discovery failed", "error", err)
		} else {
			publicIP = ip
		}
	}

	slog.Info("starting gateway",
		"http_addr", cfg.HTTPAddr,
		"sip_addr", cfg.SIPAddr,
		"public_ip", publicIP,
		"media_gateway", cfg.MediaGateway,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Process-wide singletons: directory, token signer, hook workers,
	// pub/sub overlay.
	dir := directory.New(cfg.Secret)
	signer := token.NewSigner(cfg.Secret)
	hooks := hookqueue.New(cfg.HTTPHookQueues, logger)
	defer hooks.Close()

	if cfg.AppsSyncURL != "" || cfg.PhoneNumbersSyncURL != "" {
		syncer := directory.NewSyncer(dir, cfg.AppsSyncURL, cfg.PhoneNumbersSyncURL, cfg.SyncInterval, logger)
		go syncer.Run(appCtx)
	}

	// The cluster overlay is an external module; this binary ships the
	// in-process implementation, which is all a standalone node needs.
	// SDN options contribute the node identity used by cluster probes.
	overlay := pubsub.NewLocalOverlay(logger)
	nodeID := "standalone"
	if cfg.SDNPeerID != 0 {
		nodeID = strconv.FormatUint(cfg.SDNPeerID, 10)
		slog.Warn("sdn overlay options set but no overlay module linked, running standalone",
			"sdn_peer_id", cfg.SDNPeerID,
			"sdn_listener", cfg.SDNListener,
		)
	}

	gw, err := sipgateway.NewGateway(cfg.SIPAddr, publicIP, logger)
	if err != nil {
		slog.Error("failed to create sip gateway", "error", err)
		os.Exit(1)
	}
	gw.Start(appCtx)

	mgr := callmanager.New(
		callmanager.Config{HTTPPublic: cfg.HTTPPublic, MediaGateway: cfg.MediaGateway},
		gw, dir, signer, hooks, overlay, logger,
	)
	go mgr.Run(appCtx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(mgr),
	)

	apiSrv := api.NewServer(mgr, dir, signer, overlay, nodeID, cfg.CORSOrigins, logger,
		api.WithMetrics(reg),
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listener starting", "addr", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http listener stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	appCancel()
	gw.Stop()
	slog.Info("gateway stopped")
}

// discoverPublicIP asks the cloud metadata service for the instance's
// public IPv4. EC2-style path first, then the GCE header variant.
func discoverPublicIP() (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}

	if ip, err := fetchMetadata(client, "http://169.254.169.254/latest/meta-data/public-ipv4", nil); err == nil {
		return ip, nil
	}

	return fetchMetadata(client,
		"http://169.254.169.254/computeMetadata/v1/instance/network-interfaces/0/access-configs/0/external-ip",
		map[string]string{"Metadata-Flavor": "Google"},
	)
}

func fetchMetadata(client *http.Client, url string, headers map[string]string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata service returned %d", resp.StatusCode)
	}

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if n == 0 {
		return "", fmt.Errorf("metadata service returned empty body")
	}
	return string(buf[:n]), nil
}
