// The brain service is the pipeline's processing stage. This build is
// the echo variant: every text received from the ear is answered with
// an echo reply published to the mouth's queue.
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

const (
	queueBrainToMouth = "brain.to.mouth"
	typeEarOutput     = "EarOutput"
	typeBrainOutput   = "BrainOutput"
)

type textPayload struct {
	Text string `json:"text"`
}

func main() {
	configPath := flag.String("config", "configs/brain.toml", "path to the service configuration document")
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

	// The handler publishes through the service it belongs to, so the
	// service variable is bound after construction.
	var svc *runtime.Service

	echo := messaging.HandlerFunc(func(ctx context.Context, envelope *contracts.Envelope) messaging.Outcome {
		var in textPayload
		if err := json.Unmarshal(envelope.Payload, &in); err != nil {
			logger.Error("malformed ear payload", "error", err)
			return messaging.DeadLetter
		}

		reply := textPayload{Text: fmt.Sprintf("I heard you saying '%s'", in.Text)}
		err := svc.Publish(ctx, queueBrainToMouth, typeBrainOutput, reply,
			contracts.WithCorrelationID(envelope.CorrelationID),
		)
		if err != nil {
			logger.Warn("echo publish failed, requeueing input", "error", err)
			return messaging.Retry
		}

		logger.Info("echoed", "text", in.Text, "correlationId", envelope.CorrelationID)
		return messaging.Ack
	})

	svc, err = runtime.New(cfg, broker,
		runtime.WithLogger(logger),
		runtime.WithHandler(echo),
		runtime.WithSchemas(pipelineSchemas()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

// pipelineSchemas declares the payload shapes on both sides of the
// brain: what it accepts from the ear and what it sends to the mouth.
func pipelineSchemas() *schema.Registry {
	registry := schema.NewRegistry()
	minLen := 1
	textSchema := &schema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*schema.PropertyDef{
			"text": {Type: "string", MinLength: &minLen},
		},
	}
	registry.Register(typeEarOutput, textSchema)
	registry.Register(typeBrainOutput, textSchema)
	return registry
}
