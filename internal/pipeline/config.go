package pipeline

import (
	"time"

	"github.com/Lllllllleong/publishflow/internal/ingest"
)

// Config holds orchestrator tunables.
type Config struct {
	IngestTimeout time.Duration
	RenderTimeout time.Duration
	AITimeout     time.Duration
	FontTimeout   time.Duration
	// PreviewDebounce coalesces SchedulePreview bursts into one render.
	PreviewDebounce time.Duration
	// PreviewDPI caps the resolution of preview renders.
	PreviewDPI     int
	MaxUploadBytes int64
}

// MaxChatHistory is how many prior turns are forwarded with a chat message.
const MaxChatHistory = 10

// Exam question limits.
const (
	MinExamQuestions = 1
	MaxExamQuestions = 20
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IngestTimeout:   60 * time.Second,
		RenderTimeout:   120 * time.Second,
		AITimeout:       90 * time.Second,
		FontTimeout:     10 * time.Second,
		PreviewDebounce: 500 * time.Millisecond,
		PreviewDPI:      150,
		MaxUploadBytes:  ingest.DefaultMaxBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = d.IngestTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = d.RenderTimeout
	}
	if c.AITimeout <= 0 {
		c.AITimeout = d.AITimeout
	}
	if c.FontTimeout <= 0 {
		c.FontTimeout = d.FontTimeout
	}
	if c.PreviewDebounce <= 0 {
		c.PreviewDebounce = d.PreviewDebounce
	}
	if c.PreviewDPI <= 0 {
		c.PreviewDPI = d.PreviewDPI
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	return c
}
