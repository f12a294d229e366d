// Package notifier posts trade and signal notifications to a Discord webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

// Embed colors.
const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorBlue  = 0x3498db
)

// Config configures the Discord notifier.
type Config struct {
	WebhookURL string
	Client     *http.Client
	Logger     ports.Logger
	Clock      func() time.Time
}

// Discord sends embeds to a webhook. With no URL every call is a no-op.
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     ports.Logger
	now        func() time.Time
}

var _ ports.Notifier = (*Discord)(nil)

// New creates a Discord notifier.
func New(cfg Config) (*Discord, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for notifier")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.WebhookURL == "" {
		cfg.Logger.Info(context.Background(), "Discord webhook not configured, notifications disabled")
	}
	return &Discord{webhookURL: cfg.WebhookURL, client: cfg.Client, logger: cfg.Logger, now: cfg.Clock}, nil
}

// Enabled reports whether a webhook is configured.
func (d *Discord) Enabled() bool { return d.webhookURL != "" }

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Timestamp string       `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// PostTrade announces an opened or closed trade.
func (d *Discord) PostTrade(ctx context.Context, trade *domain.Trade) error {
	if !d.Enabled() || trade == nil {
		return nil
	}
	mode := "REAL"
	if trade.Virtual {
		mode = "VIRTUAL"
	}
	e := embed{
		Title: fmt.Sprintf("[%s] %s %s opened", mode, trade.Side, trade.Symbol),
		Color: colorBlue,
		Fields: []embedField{
			{Name: "Entry", Value: fmt.Sprintf("%g", trade.EntryPrice), Inline: true},
			{Name: "Quantity", Value: fmt.Sprintf("%g", trade.Quantity), Inline: true},
			{Name: "Leverage", Value: fmt.Sprintf("%dx", trade.Leverage), Inline: true},
			{Name: "Take profit", Value: fmt.Sprintf("%g", trade.TakeProfit), Inline: true},
			{Name: "Stop loss", Value: fmt.Sprintf("%g", trade.StopLoss), Inline: true},
			{Name: "Margin", Value: fmt.Sprintf("%.2f", trade.Margin), Inline: true},
		},
	}
	if !trade.IsOpen() && trade.PNL != nil {
		e.Title = fmt.Sprintf("[%s] %s %s closed", mode, trade.Side, trade.Symbol)
		e.Color = colorGreen
		if *trade.PNL <= 0 {
			e.Color = colorRed
		}
		e.Fields = append(e.Fields, embedField{Name: "PnL", Value: fmt.Sprintf("%.4f", *trade.PNL), Inline: true})
	}
	return d.send(ctx, "PostTrade", e)
}

// PostSignal announces a signal admitted for execution.
func (d *Discord) PostSignal(ctx context.Context, signal domain.Signal) error {
	if !d.Enabled() {
		return nil
	}
	e := embed{
		Title: fmt.Sprintf("Signal %s %s", signal.Side, signal.Symbol),
		Color: colorBlue,
		Fields: []embedField{
			{Name: "Score", Value: fmt.Sprintf("%.3f", signal.Score), Inline: true},
			{Name: "Entry", Value: fmt.Sprintf("%g", signal.Entry), Inline: true},
			{Name: "Margin", Value: fmt.Sprintf("%.2f", signal.Margin), Inline: true},
		},
	}
	if signal.Strategy != "" {
		e.Fields = append(e.Fields, embedField{Name: "Strategy", Value: signal.Strategy})
	}
	return d.send(ctx, "PostSignal", e)
}

func (d *Discord) send(ctx context.Context, op string, e embed) error {
	e.Timestamp = d.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s failed: %w: discord returned status %d", op, ports.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s failed: discord returned status %d", op, resp.StatusCode)
	}
	d.logger.Debug(ctx, op+" delivered", map[string]interface{}{"title": e.Title})
	return nil
}
