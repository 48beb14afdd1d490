package clearance

import (
	"context"
	"fmt"

	"github.com/examlock/examlockd/pkg/webhook"
)

// WebhookProvider answers clearance queries by round-tripping a
// checkClearStatus action through the remote sink.
type WebhookProvider struct {
	sink *webhook.Sink
}

// NewWebhookProvider creates a provider over the given sink.
func NewWebhookProvider(sink *webhook.Sink) *WebhookProvider {
	return &WebhookProvider{sink: sink}
}

// Check posts a checkClearStatus action and maps the response.
func (p *WebhookProvider) Check(ctx context.Context, q Query) (*Status, error) {
	st, err := p.sink.CheckClearStatus(ctx, q.SessionID, q.StudentEmail)
	if err != nil {
		return nil, fmt.Errorf("webhook clearance check: %w", err)
	}
	if st == nil || !st.Cleared {
		return nil, nil
	}
	return &Status{
		Cleared:   true,
		ClearedAt: st.ClearedAt,
		Source:    "webhook",
	}, nil
}

// Verify interface compliance.
var _ Provider = (*WebhookProvider)(nil)
