// Package notify sends transactional messages (delivery ready, signed off,
// recovery alerts) to customers and operators.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/logging"
	"github.com/lucasnoah/handoff/internal/provider"
)

// Template names used by the delivery stages.
const (
	TemplateDeliveryReady     = "delivery_ready"
	TemplateDeliverySignedOff = "delivery_signed_off"
	TemplateRecoveryAlert     = "recovery_alert"
)

// Receipt is the result of a successful send.
type Receipt struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

// Notifier sends one templated message.
type Notifier interface {
	Send(ctx context.Context, template, recipient string, data map[string]any) (*Receipt, error)
}

// Config configures an HTTPNotifier.
type Config struct {
	BaseURL string
	Token   string
	Sender  string
	Timeout time.Duration
}

// HTTPNotifier posts messages to a transactional messaging API.
type HTTPNotifier struct {
	api    *provider.Client
	sender string
}

// NewHTTPNotifier builds an HTTPNotifier. httpClient may be nil.
func NewHTTPNotifier(cfg Config, httpClient *http.Client, logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		api: provider.New(provider.Options{
			Name:       "notifier",
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Timeout:    cfg.Timeout,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
		sender: cfg.Sender,
	}
}

type message struct {
	Template  string         `json:"template"`
	From      string         `json:"from,omitempty"`
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
}

// Send posts the message to /v1/messages.
func (n *HTTPNotifier) Send(ctx context.Context, template, recipient string, data map[string]any) (*Receipt, error) {
	if recipient == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "notification %s has no recipient", template)
	}
	var resp struct {
		ID string `json:"id"`
	}
	msg := message{Template: template, From: n.sender, Recipient: recipient, Data: data}
	if err := n.api.Do(ctx, http.MethodPost, "/v1/messages", msg, &resp); err != nil {
		return nil, err
	}
	return &Receipt{Success: true, MessageID: resp.ID}, nil
}

// Ping checks the messaging API is reachable.
func (n *HTTPNotifier) Ping(ctx context.Context) error {
	return n.api.Ping(ctx)
}

// LogNotifier writes messages to the log instead of sending them. It is the
// default when no messaging API is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Send logs the message and returns a generated id.
func (n *LogNotifier) Send(_ context.Context, template, recipient string, data map[string]any) (*Receipt, error) {
	if recipient == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "notification %s has no recipient", template)
	}
	id := uuid.NewString()
	n.logger.Info("notification",
		zap.String("template", template),
		zap.String("recipient", recipient),
		zap.String("message_id", id),
		zap.Any("data", data))
	return &Receipt{Success: true, MessageID: id}, nil
}
