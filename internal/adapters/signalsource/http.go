// Package signalsource pulls ranked trade candidates from an external producer.
package signalsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/ports"
	"autotrader/internal/retry"
)

// Config configures the HTTP signal source.
type Config struct {
	URL    string
	Client *http.Client
	Retry  retry.Policy
	Logger ports.Logger
}

// HTTPSource fetches signals as JSON from a URL on every call.
type HTTPSource struct {
	url    string
	client *http.Client
	retry  retry.Policy
	logger ports.Logger
}

var _ ports.SignalSource = (*HTTPSource)(nil)

// wireSignal mirrors domain.Signal but accepts the side spellings producers use.
type wireSignal struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Entry      float64   `json:"entry"`
	TakeProfit float64   `json:"tp"`
	StopLoss   float64   `json:"sl"`
	Score      float64   `json:"score"`
	Margin     float64   `json:"margin"`
	Quantity   float64   `json:"qty"`
	Leverage   int       `json:"leverage"`
	Strategy   string    `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}

// New returns the HTTP source, or a static empty source when no URL is configured.
func New(cfg Config) (ports.SignalSource, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for signal source")
	}
	if cfg.URL == "" {
		cfg.Logger.Warn(context.Background(), "No signal source URL configured, automation will see no signals")
		return Static(nil), nil
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry.Min == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &HTTPSource{url: cfg.URL, client: cfg.Client, retry: cfg.Retry, logger: cfg.Logger}, nil
}

// GetSignals fetches and decodes the current candidate list.
func (s *HTTPSource) GetSignals(ctx context.Context) ([]domain.Signal, error) {
	op := "GetSignals"
	body, err := retry.DoValue(ctx, s.retry, s.fetch)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	signals, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	s.logger.Debug(ctx, op+": fetched signals", map[string]interface{}{"count": len(signals)})
	return signals, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %w", ports.ErrConfigurationError, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ports.ErrConnectionFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ports.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ports.ErrExchangeUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, retry.Permanent(fmt.Errorf("%w: status %d: %s", ports.ErrInvalidRequest, resp.StatusCode, body))
	}
	return body, nil
}

// decode accepts either a bare array or an object with a "signals" array.
func decode(body []byte) ([]domain.Signal, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []domain.Signal{}, nil
	}

	var wire []wireSignal
	if body[0] == '[' {
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, err
		}
	} else {
		var envelope struct {
			Signals []wireSignal `json:"signals"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		wire = envelope.Signals
	}

	out := make([]domain.Signal, 0, len(wire))
	for _, w := range wire {
		side, ok := domain.ParseSide(w.Side)
		if !ok {
			// Left for validation to drop.
			side = domain.OrderSide(w.Side)
		}
		out = append(out, domain.Signal{
			Symbol:     w.Symbol,
			Side:       side,
			Entry:      w.Entry,
			TakeProfit: w.TakeProfit,
			StopLoss:   w.StopLoss,
			Score:      w.Score,
			Margin:     w.Margin,
			Quantity:   w.Quantity,
			Leverage:   w.Leverage,
			Strategy:   w.Strategy,
			Timestamp:  w.Timestamp,
		})
	}
	return out, nil
}

// Static is a fixed signal list.
type Static []domain.Signal

// GetSignals returns a copy of the list; never nil.
func (s Static) GetSignals(ctx context.Context) ([]domain.Signal, error) {
	out := make([]domain.Signal, len(s))
	copy(out, s)
	return out, nil
}
