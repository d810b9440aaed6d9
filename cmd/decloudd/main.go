// decloudd is the DeCloud orchestrator: the control plane that schedules
// tenant VMs onto operator nodes, meters attested runtime and settles usage
// against the on-chain escrow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/decloud/orchestrator/pkg/api"
	"github.com/decloud/orchestrator/pkg/attestation"
	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/balance"
	"github.com/decloud/orchestrator/pkg/billing"
	"github.com/decloud/orchestrator/pkg/commandbus"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/credits"
	"github.com/decloud/orchestrator/pkg/deposit"
	"github.com/decloud/orchestrator/pkg/escrow"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/proxy"
	"github.com/decloud/orchestrator/pkg/relay"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/settlement"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/systemvm"
)

var (
	// set via ldflags during build
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "decloudd",
	Short:   "DeCloud orchestrator - decentralized VM cloud control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"decloudd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the full control plane: API, scheduler, lifecycle manager,
command bus, deposit monitor, billing and settlement tickers, obligation
reconciler, relay manager and the tunnel-aware proxy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("decloudd starting")

	store, err := storage.NewCachedStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	chain, err := escrow.Dial(escrow.Config{
		RPCURL:                cfg.Chain.RPCURL,
		ContractAddress:       cfg.Chain.ContractAddress,
		ChainID:               cfg.Chain.ChainID,
		PrivateKeyHex:         cfg.Chain.PrivateKey,
		RequiredConfirmations: cfg.Chain.RequiredConfirmations,
		RPCTimeout:            cfg.Chain.RPCTimeout,
	})
	if err != nil {
		return fmt.Errorf("escrow client: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	bus := commandbus.NewBus(store)
	sched := scheduler.New(store, cfg.Sched)
	vms := lifecycle.NewManager(store, bus, sched, broker)
	relays := relay.NewManager(store, bus, cfg.Relay)

	creditSvc := credits.NewService(store, credits.DefaultPromos())
	balances := balance.NewEngine(store, chain, creditSvc)
	tracker := attestation.NewTracker(broker, attestation.DefaultSampleInterval)

	recon := obligation.NewReconciler(store, obligation.DefaultScanInterval, obligation.DefaultMaxAttempts)
	systemvm.NewProvisioner(store, vms, relays).Register(recon)

	monitor := deposit.NewMonitor(store, chain, broker, deposit.Config{
		ScanInterval:          cfg.Chain.ScanInterval,
		ScanChunk:             cfg.Chain.ScanChunk,
		RequiredConfirmations: cfg.Chain.RequiredConfirmations,
		ChainID:               cfg.Chain.ChainID,
	})
	biller := billing.NewTicker(store, tracker, balances, creditSvc, vms, billing.Config{
		Interval:       cfg.Billing.Interval,
		GraceCycles:    cfg.Billing.GraceCycles,
		PlatformFeeBps: cfg.Chain.PlatformFeeBps,
	})
	settler := settlement.NewTicker(store, chain, broker, settlement.Config{
		Interval:  cfg.Settle.Interval,
		MinAmount: cfg.Settle.MinAmount,
		Batch:     cfg.Settle.Batch,
	})
	sweeper := nodes.NewSweeper(store, broker, cfg.Nodes.HeartbeatDeadline, cfg.Nodes.SweepInterval)

	px := proxy.New(store, cfg.Proxy.UpstreamDialTimeout, api.OwnerAuthorizer())
	server := api.NewServer(cfg.API, api.Deps{
		Store:       store,
		Tokens:      auth.NewBroker(cfg.API.TokenSecret, 24*time.Hour),
		Challenges:  auth.NewChallengeStore(),
		VMs:         vms,
		Bus:         bus,
		Balances:    balances,
		Credits:     creditSvc,
		Attestor:    tracker,
		Obligations: recon,
		Relays:      relays,
		Sweeper:     sweeper,
		Broker:      broker,
		Proxy:       px,
		Domain:      cfg.Domain,

		RequiredConfirmations: cfg.Chain.RequiredConfirmations,
	})

	vms.Start()
	recon.Start()
	monitor.Start()
	biller.Start()
	settler.Start()
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info().Str("addr", cfg.API.ListenAddr).Msg("control plane running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	sweeper.Stop()
	settler.Stop()
	biller.Stop()
	monitor.Stop()
	recon.Stop()
	vms.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
