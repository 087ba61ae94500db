package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/logging"
	"github.com/Lllllllleong/publishflow/internal/services"
)

var (
	publisherInstance *services.PublisherFunction
	logger            *zap.Logger
	once              sync.Once
	initErr           error
)

func init() {
	logger = logging.Must(os.Getenv("LOG_MODE"))

	// Register the CloudEvent function. The framework will handle routing the event here.
	functions.CloudEvent("PublishDocument", publishDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// publishDocument is the Cloud Function entry point for storage object-finalized events.
func publishDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		publisherInstance, initErr = services.NewPublisher(context.Background(), logger)
	})
	if initErr != nil {
		logger.Error("Critical error during function initialization", zap.Error(initErr))
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		logger.Error("Failed to unmarshal event data", zap.Error(err), zap.ByteString("data", e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process; returning marks the invocation failed.
	return publisherInstance.Process(ctx, gcsEvent)
}
