// The mouth service is the pipeline's output stage. This build is the
// console variant: every text received from the brain is written to
// stdout, standing in for real speech synthesis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicepipe/voicepipe/config"
	"github.com/voicepipe/voicepipe/contracts"
	"github.com/voicepipe/voicepipe/messaging"
	"github.com/voicepipe/voicepipe/runtime"
	"github.com/voicepipe/voicepipe/schema"
)

const typeBrainOutput = "BrainOutput"

type textPayload struct {
	Text string `json:"text"`
}

func main() {
	configPath := flag.String("config", "configs/mouth.toml", "path to the service configuration document")
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

	speak := messaging.HandlerFunc(func(ctx context.Context, envelope *contracts.Envelope) messaging.Outcome {
		var in textPayload
		if err := json.Unmarshal(envelope.Payload, &in); err != nil {
			logger.Error("malformed brain payload", "error", err)
			return messaging.DeadLetter
		}

		fmt.Println(in.Text)
		logger.Info("spoke", "correlationId", envelope.CorrelationID)
		return messaging.Ack
	})

	svc, err := runtime.New(cfg, broker,
		runtime.WithLogger(logger),
		runtime.WithHandler(speak),
		runtime.WithSchemas(pipelineSchemas()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

// pipelineSchemas declares the payload shape the mouth accepts.
func pipelineSchemas() *schema.Registry {
	registry := schema.NewRegistry()
	minLen := 1
	registry.Register(typeBrainOutput, &schema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*schema.PropertyDef{
			"text": {Type: "string", MinLength: &minLen},
		},
	})
	return registry
}
