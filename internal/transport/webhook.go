package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
)

// WebhookTransport posts the delivery batch to an HTTP push gateway as one
// JSON document and reads the per-item outcomes back from the response:
//
//	request:  {"deliveries": [{"token": "...", "payload": "..."}, ...]}
//	response: {"results": [{"success": true}, {"success": false, "error": "..."}]}
//
// A response without a results array counts the whole batch as delivered;
// gateways that only report aggregate counts behave that way.
type WebhookTransport struct {
	logger  *zap.Logger
	url     string
	token   string
	client  *http.Client
	timeout time.Duration
}

var _ Transport = (*WebhookTransport)(nil)

// NewWebhookTransport creates a webhook transport for the configured
// gateway URL.
func NewWebhookTransport(logger *zap.Logger, cfg *config.TransportConfig) *WebhookTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		logger:  logger.Named("transport.webhook"),
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type webhookRequest struct {
	Deliveries []Delivery `json:"deliveries"`
}

// Send implements Transport.Send
func (t *WebhookTransport) Send(ctx context.Context, items []Delivery) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	body, err := json.Marshal(webhookRequest{Deliveries: items})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, respBody)
	}

	return t.parseResults(respBody, len(items)), nil
}

func (t *WebhookTransport) parseResults(body []byte, count int) *Result {
	res := &Result{Items: make([]ItemResult, count)}

	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		for i := range res.Items {
			res.Items[i] = ItemResult{Success: true}
		}
		res.SuccessCount = count
		return res
	}

	arr := results.Array()
	for i := 0; i < count; i++ {
		if i >= len(arr) {
			// Gateway returned fewer results than deliveries; the tail is
			// unknown, count it as failed.
			res.Items[i] = ItemResult{Error: "no result reported"}
			res.FailureCount++
			continue
		}
		if arr[i].Get("success").Bool() {
			res.Items[i] = ItemResult{Success: true}
			res.SuccessCount++
		} else {
			res.Items[i] = ItemResult{Error: arr[i].Get("error").String()}
			res.FailureCount++
		}
	}
	return res
}
