package backend

import (
	"context"

	"github.com/Lllllllleong/publishflow/internal/apperr"
)

// Health is the service's self-reported status.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Healthy reports whether the service considers itself up.
func (h Health) Healthy() bool { return h.Status == "healthy" }

// Health calls the service health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.getJSON(ctx, apperr.StagePipeline, "health", "/health", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}
