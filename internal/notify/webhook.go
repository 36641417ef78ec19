package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const webhookTimeout = 5 * time.Second

// Webhook POSTs the alert as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *fasthttp.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &fasthttp.Client{
			Name:         "contentgen-gateway",
			ReadTimeout:  webhookTimeout,
			WriteTimeout: webhookTimeout,
		},
	}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Event string `json:"event"`
	Text  string `json:"text"`
	Alert
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{Event: "budget_alert", Text: a.Subject(), Alert: a})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := webhookTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	if err := w.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("post: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}
