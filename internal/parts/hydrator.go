package parts

import (
	"context"
	"encoding/json"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/pkg/models"
)

// Hydrator fills Message.Parts from the parts blob referenced by PartsMeta.
//
// Hydration is best-effort: any failure leaves Parts nil and the message is
// presented downstream in truncated form. A missing blob must never fail a
// flush.
type Hydrator struct {
	store         Downloader
	defaultBucket string
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewHydrator creates a hydrator. cfg.Bucket is the fallback when an asset
// carries no bucket of its own.
func NewHydrator(store Downloader, cfg config.S3Config, logger *observability.Logger, metrics *observability.Metrics) *Hydrator {
	return &Hydrator{
		store:         store,
		defaultBucket: cfg.Bucket,
		logger:        logger,
		metrics:       metrics,
	}
}

// Hydrate loads and decodes the message's parts blob in place.
func (h *Hydrator) Hydrate(ctx context.Context, msg *models.Message) {
	msg.Parts = nil

	key := msg.PartsMeta.S3Key
	if key == "" {
		h.miss(ctx, msg, "message has no parts blob key")
		return
	}
	bucket := msg.PartsMeta.Bucket
	if bucket == "" {
		bucket = h.defaultBucket
	}

	data, err := h.store.Download(ctx, bucket, key)
	if err != nil {
		h.miss(ctx, msg, "parts blob download failed", "error", err)
		return
	}

	var parts []models.Part
	if err := json.Unmarshal(data, &parts); err != nil {
		h.miss(ctx, msg, "parts blob decode failed", "error", err)
		return
	}
	msg.Parts = parts
}

// HydrateAll hydrates every message in the slice.
func (h *Hydrator) HydrateAll(ctx context.Context, msgs []models.Message) {
	for i := range msgs {
		h.Hydrate(ctx, &msgs[i])
	}
}

func (h *Hydrator) miss(ctx context.Context, msg *models.Message, reason string, args ...any) {
	h.metrics.HydrationMissCounter.Inc()
	args = append([]any{"message_id", msg.ID.String(), "s3_key", msg.PartsMeta.S3Key}, args...)
	h.logger.Warn(ctx, reason, args...)
}
