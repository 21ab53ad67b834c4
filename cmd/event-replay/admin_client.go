package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vladislavdragonenkov/payrecon/internal/domain"
	"github.com/vladislavdragonenkov/payrecon/internal/transport/webhook"
)

const replayPath = "/admin/events/replay"

// replaySink принимает событие для повторной обработки.
type replaySink interface {
	Replay(ctx context.Context, evt domain.InboundPaymentEvent) (webhook.Response, error)
}

// adminClient вызывает admin API payment-reconciler-а.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string, client *http.Client) *adminClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &adminClient{baseURL: baseURL, token: token, http: client}
}

func (c *adminClient) Replay(ctx context.Context, evt domain.InboundPaymentEvent) (webhook.Response, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return webhook.Response{}, fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+replayPath, bytes.NewReader(body))
	if err != nil {
		return webhook.Response{}, fmt.Errorf("build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return webhook.Response{}, fmt.Errorf("replay request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return webhook.Response{}, fmt.Errorf("read replay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &failure)
		if failure.Error == "" {
			failure.Error = http.StatusText(resp.StatusCode)
		}
		return webhook.Response{}, fmt.Errorf("replay rejected with status %d: %s", resp.StatusCode, failure.Error)
	}

	var out webhook.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return webhook.Response{}, fmt.Errorf("decode replay response: %w", err)
	}
	return out, nil
}
