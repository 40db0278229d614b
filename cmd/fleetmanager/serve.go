package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/api"
	"github.com/cirisai/manager/pkg/auth"
	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/events"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/orchestrator"
	"github.com/cirisai/manager/pkg/reconciler"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet manager: version tracker, registry, discovery, and deployment orchestrator",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./data", "Directory holding version_state.json and registry.json")
	serveCmd.Flags().String("addr", "127.0.0.1:8090", "Address the API server listens on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the Prometheus /metrics endpoint listens on")
	serveCmd.Flags().String("hosts", "", "Comma-separated host_id=containerd_socket_path pairs (e.g. host-a=/run/containerd/containerd.sock)")
	serveCmd.Flags().String("encryption-key-env", "CIRIS_MANAGER_SECRET", "Environment variable holding the service-token encryption passphrase")
	serveCmd.Flags().String("cd-token-env", "CIRIS_CD_TOKEN", "Environment variable holding the legacy wildcard CD token, if any")
}

// hostInventory is the composition root's concrete HostInventory: a
// fixed map of host id to container client, built once at startup from
// the --hosts flag.
type hostInventory struct {
	hosts map[string]runtime.HostClient
}

func (h *hostInventory) Hosts() map[string]runtime.HostClient {
	return h.hosts
}

func parseHosts(spec string) (map[string]runtime.HostClient, error) {
	hosts := map[string]runtime.HostClient{}
	if spec == "" {
		return hosts, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid --hosts entry %q, expected host_id=socket_path", pair)
		}
		client, err := runtime.NewContainerdHostClient(kv[1])
		if err != nil {
			return nil, fmt.Errorf("connect to host %s: %w", kv[0], err)
		}
		hosts[kv[0]] = client
	}
	return hosts, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	addr, _ := cmd.Flags().GetString("addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	hostsSpec, _ := cmd.Flags().GetString("hosts")
	encryptionKeyEnv, _ := cmd.Flags().GetString("encryption-key-env")
	cdTokenEnv, _ := cmd.Flags().GetString("cd-token-env")

	logger := log.WithComponent("main")

	secrets, err := security.NewSecretsManagerFromPassphrase(os.Getenv(encryptionKeyEnv))
	if err != nil {
		return fmt.Errorf("encryption key: %w (set %s)", err, encryptionKeyEnv)
	}

	versionTracker, err := tracker.New(tracker.Config{DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("version tracker: %w", err)
	}

	reg, err := registry.New(registry.Config{DataDir: dataDir, Secrets: secrets})
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	hosts, err := parseHosts(hostsSpec)
	if err != nil {
		return err
	}
	inventory := &hostInventory{hosts: hosts}

	healthChecker := discovery.NewHealthChecker(0)
	discoverer := discovery.New(discovery.Config{Registry: reg, HealthChecker: healthChecker})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	protocol := agentproto.New(reg, healthChecker, broker)

	cdAuth := auth.NewCDTokenAuthority()
	if legacyToken := os.Getenv(cdTokenEnv); legacyToken != "" {
		cdAuth.Register(legacyToken, "")
	}
	operatorAuth := auth.NewOperatorAuthority()

	orch := orchestrator.New(orchestrator.Config{
		Tracker:    versionTracker,
		Registry:   reg,
		Discoverer: discoverer,
		Protocol:   protocol,
		Broker:     broker,
		CDAuth:     cdAuth,
		Hosts:      inventory,
		Thresholds: orchestrator.DefaultThresholds(),
	})

	recon := reconciler.New(discoverer, inventory)
	recon.Start()
	defer recon.Stop()

	server := api.NewServer(api.Config{
		Orchestrator: orch,
		Registry:     reg,
		Discoverer:   discoverer,
		Protocol:     protocol,
		Hosts:        inventory,
		CDAuth:       cdAuth,
		OperatorAuth: operatorAuth,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	logger.Info().Str("addr", addr).Str("metrics_addr", metricsAddr).Int("hosts", len(hosts)).Msg("fleet manager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	for _, h := range hosts {
		_ = h.Close()
	}
	return nil
}
