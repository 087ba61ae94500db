package main

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/logging"
	"github.com/Lllllllleong/publishflow/internal/services"
)

var (
	apiInstance *services.PublishingAPI
	logger      *zap.Logger
	once        sync.Once
	initErr     error
)

func init() {
	logger = logging.Must(os.Getenv("LOG_MODE"))

	functions.HTTP("HandlePublishing", handlePublishing)
}

// main is required by the Go Functions Framework.
func main() {}

// handlePublishing serves the session API. Sessions live in instance memory, so
// the function must be deployed with a single instance.
func handlePublishing(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		apiInstance, initErr = services.NewPublishingAPI(context.Background(), logger)
	})
	if initErr != nil {
		logger.Error("CRITICAL: Publishing API initialization failed", zap.Error(initErr))
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	apiInstance.SweepIdle()
	apiInstance.ServeHTTP(w, r)
}
