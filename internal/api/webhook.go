package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-core/internal/order"
	"signal-core/internal/ratelimit"
	"signal-core/internal/signal"
)

const (
	maxWebhookBody = 64 << 10
	// maxRetryAfter caps the hint sent for buckets that can never refill.
	maxRetryAfter = time.Hour
)

func signatureHeader(c *gin.Context) string {
	if sig := c.GetHeader("X-Signature"); sig != "" {
		return sig
	}
	return c.GetHeader("X-Hub-Signature-256")
}

// receiveWebhook acknowledges a delivery once the signal is admitted; the
// order is placed asynchronously.
func (s *Server) receiveWebhook(c *gin.Context) {
	webhookID := c.Param("id")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload exceeds 64KiB")
			return
		}
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "failed to read body")
		return
	}

	receipt, err := s.cfg.Engine.Ingest(c.Request.Context(), body, signatureHeader(c), webhookID)
	if err != nil {
		s.ingestError(c, webhookID, err)
		return
	}

	if receipt.Duplicate {
		c.JSON(http.StatusOK, gin.H{
			"status":      "duplicate",
			"signal_hash": receipt.Signal.Hash,
			"outcome":     receipt.Prior,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "received",
		"signal_hash": receipt.Signal.Hash,
	})
}

func (s *Server) ingestError(c *gin.Context, webhookID string, err error) {
	var denied *ratelimit.DeniedError
	switch {
	case errors.Is(err, signal.ErrUnauthorized):
		// No detail: the caller learns nothing about which check failed.
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.As(err, &denied):
		wait := min(denied.RetryAfter, maxRetryAfter)
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":           "RATE_LIMITED",
			"error":          "webhook rate limit exceeded",
			"retry_after_ms": wait.Milliseconds(),
		})
	case errors.Is(err, signal.ErrInvalidPayload):
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	case errors.Is(err, order.ErrQueueFull), errors.Is(err, order.ErrClosed):
		c.Header("Retry-After", "1")
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "pipeline is saturated, retry later")
	default:
		s.log.WithError(err).WithField("webhook_id", webhookID).Error("Webhook ingestion failed")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
