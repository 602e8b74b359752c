package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/chain"
	"github.com/dyluth/pixelsett/internal/config"
	"github.com/dyluth/pixelsett/internal/metrics"
	"github.com/dyluth/pixelsett/internal/pixel"
	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/internal/server"
	"github.com/dyluth/pixelsett/internal/settlement"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a pixelsett node",
	Long: `Run a pixelsett node: the pixel lock and bid engine, canvas state machine,
settlement coordinator and realtime broadcast rooms.

Serves:
  /healthz  Redis and database reachability
  /metrics  Prometheus metrics
  /ws       Live canvas events (?canvas_id=<id>)

Several nodes may share one Redis instance name; with realtime.relay enabled
every node delivers every canvas event to its own viewers.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Phase 1: Configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	metrics.RegisterMetrics()

	// Phase 2: Storage
	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Phase 3: Core components
	verifier := chain.NewBlockhashCache(
		chain.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.ProgramID, cfg.Chain.Timeout),
		cfg.Chain.BlockhashTTL,
	)

	hub := realtime.NewHub(realtime.Options{
		QueueSize:             cfg.Realtime.QueueSize,
		Overflow:              cfg.Realtime.Overflow,
		MaxConnectionsPerRoom: cfg.Realtime.MaxConnectionsPerRoom,
	})
	defer hub.Close()

	var events realtime.Broadcaster = hub
	if *cfg.Realtime.Relay {
		events = realtime.NewRedisBroadcaster(store)
	}

	machine := canvas.NewMachine(repo, events, canvas.Policy{
		MaxNameLength:    cfg.Canvas.MaxNameLength,
		MaxCollaborators: cfg.Canvas.MaxCollaborators,
	}, cfg.Instance)
	engine := pixel.NewEngine(store, repo, machine, verifier, chain.Ed25519Proofs{}, events, pixel.Config{
		MinBidLamports: cfg.Canvas.MinBidLamports,
		Cooldown:       *cfg.Canvas.Cooldown,
		LockTTL:        cfg.Canvas.LockTTL,
	})
	coordinator := settlement.NewCoordinator(store, repo, machine, verifier, events, settlementConfig(cfg))

	// Phase 4: Background loops
	var wg sync.WaitGroup
	defer wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *cfg.Realtime.Relay {
		ready := make(chan struct{})
		relayErr := make(chan error, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relayErr <- realtime.NewRelay(store, hub).Run(runCtx, ready)
		}()
		select {
		case <-ready:
		case err := <-relayErr:
			return fmt.Errorf("failed to start realtime relay: %w", err)
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		engine.Run(runCtx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		coordinator.Run(runCtx, cfg.SweepInterval)
	}()

	// Phase 5: HTTP surface
	ws := realtime.NewWSHandler(hub, func(ctx context.Context, canvasID string) error {
		_, err := machine.Load(ctx, canvasID)
		return err
	})
	srv := server.New(cfg.ListenAddr, store, repo, ws)
	if err := srv.Start(); err != nil {
		return printer.ErrorWithContext(
			"could not listen",
			err.Error(),
			map[string]string{"listen_addr": cfg.ListenAddr},
			[]string{"Choose a free address with listen_addr in pixelsett.yml"},
		)
	}

	printer.Success("Pixelsett node '%s' serving on %s\n", cfg.Instance, cfg.ListenAddr)
	<-ctx.Done()
	log.Printf("[Serve] Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] HTTP shutdown: %v", err)
	}
	cancel()
	return nil
}

func settlementConfig(cfg *config.Config) settlement.Config {
	return settlement.Config{
		MintCountdown:      cfg.Canvas.MintCountdown,
		MintInitiateWindow: cfg.Canvas.MintInitiateWindow,
		PublishTimeout:     cfg.Canvas.PublishTimeout,
		MintTimeout:        cfg.Canvas.MintTimeout,
	}
}
