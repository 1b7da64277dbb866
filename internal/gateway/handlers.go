package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaamkart/escrow/internal/logging"
	"github.com/kaamkart/escrow/internal/metrics"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// maxBodyBytes bounds webhook payloads; gateway events are small JSON blobs.
const maxBodyBytes = 1 << 20

// Handler exposes the webhook ingestion endpoint.
type Handler struct {
	verifier *Verifier
	ingestor *Ingestor
}

// NewHandler creates a webhook HTTP handler.
func NewHandler(verifier *Verifier, ingestor *Ingestor) *Handler {
	return &Handler{verifier: verifier, ingestor: ingestor}
}

// RegisterRoutes mounts the webhook endpoint on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive verifies, deduplicates, and applies one gateway delivery.
//
// The contract with the gateway is deliberately asymmetric: an invalid
// signature or unreadable body is rejected with 400 so the gateway knows the
// delivery never counted, but once the signature verifies we always return
// 200 — processing problems are ours to reconcile, and a non-2xx would only
// make the gateway redeliver an event we have already recorded.
func (h *Handler) Receive(c *gin.Context) {
	log := logging.L(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "unreadable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader(SignatureHeader)
	if !h.verifier.Verify(body, signature) {
		log.Warn("webhook rejected: bad signature", "remoteAddr", c.ClientIP())
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}
	if err := checkEventID(evt.ID); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Type), "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := h.ingestor.Ingest(c.Request.Context(), &evt, signature)

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event":    evt.ID,
		"outcome":  outcome,
	})
}
