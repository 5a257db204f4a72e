package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
)

// Delivery is one push handed to the gateway: an opaque device token and
// the serialized message payload. RecordID ties the delivery back to the
// history record created for it, for logging only.
type Delivery struct {
	Token    string `json:"token"`
	Payload  []byte `json:"payload"`
	RecordID string `json:"-"`
}

// ItemResult is the per-delivery outcome reported by the gateway.
type ItemResult struct {
	Success bool
	Error   string
}

// Result aggregates the per-item outcomes of one batch send.
type Result struct {
	SuccessCount int
	FailureCount int
	Items        []ItemResult
}

// Transport sends a batch of deliveries and reports per-item outcomes.
// Implementations do not retry; the caller logs failures and moves on.
type Transport interface {
	Send(ctx context.Context, items []Delivery) (*Result, error)
}

// NewTransport creates a transport based on configuration.
func NewTransport(logger *zap.Logger, cfg *config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "webhook":
		return NewWebhookTransport(logger, cfg), nil
	case "log":
		return NewLogTransport(logger), nil
	case "noop":
		return NoopTransport{}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// LogTransport reports every delivery as successful and logs it. Useful in
// development and as the default when no gateway is configured.
type LogTransport struct {
	logger *zap.Logger
}

var _ Transport = (*LogTransport)(nil)

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.Named("transport.log")}
}

// Send implements Transport.Send
func (t *LogTransport) Send(_ context.Context, items []Delivery) (*Result, error) {
	res := &Result{Items: make([]ItemResult, len(items))}
	for i, item := range items {
		t.logger.Info("delivering push",
			zap.String("token", item.Token),
			zap.String("record_id", item.RecordID),
			zap.Int("payload_bytes", len(item.Payload)))
		res.Items[i] = ItemResult{Success: true}
		res.SuccessCount++
	}
	return res, nil
}

// NoopTransport silently accepts every delivery.
type NoopTransport struct{}

var _ Transport = NoopTransport{}

// Send implements Transport.Send
func (NoopTransport) Send(_ context.Context, items []Delivery) (*Result, error) {
	res := &Result{Items: make([]ItemResult, len(items)), SuccessCount: len(items)}
	for i := range res.Items {
		res.Items[i] = ItemResult{Success: true}
	}
	return res, nil
}
