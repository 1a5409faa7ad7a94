// Command quiltd is Quilt's server entrypoint, grounded on the
// teacher's cmd/warren/main.go: a cobra root command with persistent
// log-level/log-json flags, cobra.OnInitialize(initLogging), and a
// construct-manager -> construct-subsystems -> signal.Notify shutdown
// bootstrap sequence. Unlike warren, there is no cluster to init/join,
// so the subcommand tree collapses to "serve" (the daemon) and
// "version".
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/config"
	"github.com/quilt-run/quilt/pkg/dns"
	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/metrics"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/nsinit"
	"github.com/quilt-run/quilt/pkg/rpc"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/syncengine"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Re-exec dispatch must happen before cobra ever parses argv: a
	// re-exec'd child's argv belongs to nsinit, not to quiltd's own
	// flag set.
	if len(os.Args) > 1 && os.Args[1] == nsinit.ReexecArg {
		nsinit.ChildMain()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quiltd",
	Short:   "Quilt - a single-host container runtime",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"quiltd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quiltd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	})
}

// initLogging layers the --log-level/--log-json flags over the
// QUILT_LOG_LEVEL/QUILT_LOG_JSON environment defaults, flags winning
// only when the operator actually passed them.
func initLogging() {
	envCfg := config.LoadFromEnv()

	level := envCfg.LogLevel
	if rootCmd.PersistentFlags().Changed("log-level") {
		lvl, _ := rootCmd.PersistentFlags().GetString("log-level")
		level = log.Level(lvl)
	}

	jsonOutput := envCfg.LogJSON
	if rootCmd.PersistentFlags().Changed("log-json") {
		jsonOutput, _ = rootCmd.PersistentFlags().GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      level,
		JSONOutput: jsonOutput,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the quilt daemon: RPC, DNS, monitor, and cleanup loops",
	RunE:  runServe,
}

// runServe's error returns map to spec.md §6's exit codes: 1 for a
// fatal startup error (nothing was ever listening), 2 for a fatal
// error surfaced after the daemon was already serving.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()

	logger := log.WithComponent("quiltd")
	logger.Info().Str("db_path", cfg.DBPath).Str("run_dir", cfg.RunDir).
		Str("bridge", cfg.BridgeName).Str("subnet", cfg.Subnet).Msg("starting quilt daemon")

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return exitWith(1, fmt.Errorf("create run dir: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return exitWith(1, fmt.Errorf("create db dir: %w", err))
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return exitWith(1, fmt.Errorf("open store: %w", err))
	}
	defer store.Close()

	netMgr := network.New(network.Config{
		Executor:    cmdexec.New(),
		BridgeName:  cfg.BridgeName,
		GatewayCIDR: cfg.Subnet,
	})

	engine := syncengine.New(syncengine.Config{
		Store:           store,
		Network:         netMgr,
		RunDir:          cfg.RunDir,
		StaticShellPath: cfg.StaticShellPath,
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = engine.Start(startCtx)
	startCancel()
	if err != nil {
		return exitWith(1, fmt.Errorf("start sync engine: %w", err))
	}
	defer engine.Stop()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	dnsServer := dns.NewServer(store, &dns.Config{ListenAddr: cfg.DNSAddr, Domain: dns.DefaultDomain})
	go func() {
		if err := dnsServer.Start(bgCtx); err != nil {
			logger.Error().Err(err).Msg("dns server stopped")
		}
	}()
	defer dnsServer.Stop()

	collector := metrics.NewCollector(store, poolSizeFromCIDR(cfg.Subnet))
	collector.Start()
	defer collector.Stop()

	lis, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		return exitWith(1, fmt.Errorf("listen on %s: %w", cfg.RPCAddr, err))
	}
	rpcServer := rpc.NewServer(engine)
	rpcErrCh := make(chan error, 1)
	go func() {
		if err := rpcServer.Serve(lis); err != nil {
			rpcErrCh <- err
		}
	}()

	healthServer := rpc.NewHealthServer(engine)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: healthServer.Handler()}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	rpcServer.MarkServing()
	logger.Info().Str("rpc_addr", cfg.RPCAddr).Str("http_addr", cfg.HTTPAddr).
		Str("dns_addr", cfg.DNSAddr).Msg("quilt daemon ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
		shutdownHTTP(httpServer)
		rpcServer.Stop()
	case err := <-rpcErrCh:
		logger.Error().Err(err).Msg("rpc server failed")
		shutdownHTTP(httpServer)
		return exitWith(2, err)
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("http server failed")
		rpcServer.Stop()
		return exitWith(2, err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func shutdownHTTP(httpServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// exitWith prints err and terminates the process with code, bypassing
// cobra's own RunE -> os.Exit(1) path which would otherwise collapse
// every failure to the same exit status.
func exitWith(code int, err error) error {
	fmt.Fprintf(os.Stderr, "quiltd: %v\n", err)
	os.Exit(code)
	return nil
}

// poolSizeFromCIDR returns the number of usable host addresses in
// cidr's network (total addresses minus network and broadcast), or 0
// if cidr fails to parse.
func poolSizeFromCIDR(cidr string) int {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones <= 0 {
		return 0
	}
	return (1 << uint(bits-ones)) - 2
}
