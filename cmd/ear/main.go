// The ear service is the pipeline's input stage. This build is the
// heartbeat variant: it publishes a numbered text message to the
// brain's queue once a second, standing in for real speech capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicepipe/voicepipe/config"
	"github.com/voicepipe/voicepipe/runtime"
	"github.com/voicepipe/voicepipe/schema"
)

const (
	queueEarToBrain = "ear.to.brain"
	typeEarOutput   = "EarOutput"
)

func main() {
	configPath := flag.String("config", "configs/ear.toml", "path to the service configuration document")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	broker, err := config.BrokerFromEnv()
	if err != nil {
		return err
	}

	logger := runtime.NewLogger(cfg.ServiceName)

	svc, err := runtime.New(cfg, broker,
		runtime.WithLogger(logger),
		runtime.WithSchemas(pipelineSchemas()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		return heartbeat(gctx, svc, logger)
	})

	return g.Wait()
}

// heartbeat publishes one numbered message per second once the service
// is ready.
func heartbeat(ctx context.Context, svc *runtime.Service, logger *slog.Logger) error {
	select {
	case <-svc.Ready():
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			payload := map[string]string{"text": fmt.Sprintf("Message Nr.%d", i)}
			if err := svc.Publish(ctx, queueEarToBrain, typeEarOutput, payload); err != nil {
				logger.Info("heartbeat publish failed", "error", err)
				continue
			}
			logger.Info("heartbeat sent", "sequence", i)
		}
	}
}

// pipelineSchemas declares the payload shape of every message type the
// ear produces.
func pipelineSchemas() *schema.Registry {
	registry := schema.NewRegistry()
	minLen := 1
	registry.Register(typeEarOutput, &schema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*schema.PropertyDef{
			"text": {Type: "string", MinLength: &minLen},
		},
	})
	return registry
}
