package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"batchflow/api"
	"batchflow/auth"
	"batchflow/config"
	"batchflow/loadgen"
	"batchflow/logger"
	"batchflow/nats"
	"batchflow/system"
)

func main() {
	log := logger.GetLogger()

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.GetConfig()
	log.SetLevel(cfg.Log.Level)

	sys, err := system.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open batch system", map[string]interface{}{
			"error": err.Error(),
			"sinks": cfg.Persister.Sinks,
		})
	}
	sys.Start(ctx)

	if cfg.API.Enabled {
		var authn *auth.Authenticator
		if cfg.Auth.Enabled {
			authn, err = auth.New(&cfg.Auth)
			if err != nil {
				log.Fatal("Failed to initialize auth", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		server := api.NewServer(cfg.API.Addr, sys, authn, log)
		if err := server.Start(ctx); err != nil {
			log.Fatal("Failed to start API server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	var ingest *nats.IngestConsumer
	if cfg.NATS.IngestSubject != "" {
		helper := nats.NewNATSHelper(cfg.NATS, log)
		if err := helper.Connect(ctx); err != nil {
			log.Fatal("Failed to connect ingest consumer", map[string]interface{}{
				"error": err.Error(),
			})
		}
		defer helper.Shutdown()

		ingest = nats.NewIngestConsumer(helper, cfg.NATS.IngestSubject, cfg.NATS.QueueGroup, sys, log)
		if err := ingest.Start(ctx); err != nil {
			log.Fatal("Failed to start ingest consumer", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if cfg.Load.Enabled {
		go func() {
			if _, err := loadgen.Run(ctx, sys, cfg.Load.Iterations, cfg.Load.GetSleep(), log); err != nil && ctx.Err() == nil {
				log.Error("Load generator stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received shutdown signal", map[string]interface{}{
		"signal": sig.String(),
	})

	// Producers first, so the final flush sees everything they sent
	cancel()
	if ingest != nil {
		ingest.Stop()
	}
	if err := sys.Stop(); err != nil {
		log.Error("Shutdown finished with errors", map[string]interface{}{
			"error": err.Error(),
		})
	}
	log.Info("Shutdown complete")
}
