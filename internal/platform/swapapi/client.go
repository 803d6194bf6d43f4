// Package swapapi is the execution adapter for an HTTP swap service.
package swapapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/natebag/trenchtools/internal/domain"
)

// Client sells through a remote swap API. It owns the timeout for each
// round trip.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a swap API client.
//
// baseURL is the API root, e.g. "https://swap.example.com".
// apiKey is sent as a bearer token when non-empty.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rc.SetAuthToken(apiKey)
	}
	return &Client{
		http:   rc,
		logger: logger.With(slog.String("component", "swapapi")),
	}
}

// Execute submits a sell and waits for its confirmation. A rejected sell is
// returned as an unsuccessful outcome; transport problems as an error.
func (c *Client) Execute(ctx context.Context, order domain.SellOrder) (domain.SellOutcome, error) {
	var result APISellResult
	var apiErr APIError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(newSellRequest(order)).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/sell")
	if err != nil {
		return domain.SellOutcome{}, fmt.Errorf("swapapi: sell %s: %w", order.PositionID, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return domain.SellOutcome{}, fmt.Errorf("swapapi: sell %s: status %d: %s", order.PositionID, resp.StatusCode(), msg)
		}
		return domain.SellOutcome{Success: false, Error: msg}, nil
	}

	outcome := result.ToDomainSellOutcome()
	c.logger.InfoContext(ctx, "sell confirmed",
		slog.String("position_id", order.PositionID),
		slog.String("signature", outcome.ExecutionRef),
		slog.Bool("success", outcome.Success),
		slog.Int64("amount_in", outcome.QuantitySold),
	)
	return outcome, nil
}

// Ping checks that the swap API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("swapapi: ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("swapapi: ping: status %d", resp.StatusCode())
	}
	return nil
}

var _ domain.ExecutionAdapter = (*Client)(nil)
