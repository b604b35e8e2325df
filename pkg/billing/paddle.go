package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// PaddleConfig holds configuration for the Paddle billing processor.
type PaddleConfig struct {
	APIKey        string        `env:"PADDLE_API_KEY,required"`
	WebhookSecret string        `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string        `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	MaxWebhookAge time.Duration `env:"PADDLE_MAX_WEBHOOK_AGE" envDefault:"5m"`
}

// PaddleProcessor implements Processor for Paddle. Subscriptions are created
// through hosted checkout transactions; the authoritative subscription row
// arrives asynchronously via webhook.
type PaddleProcessor struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
	now      func() time.Time
}

// NewPaddleProcessor creates a Paddle-backed billing processor.
func NewPaddleProcessor(cfg PaddleConfig) (*PaddleProcessor, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.MaxWebhookAge <= 0 {
		cfg.MaxWebhookAge = 5 * time.Minute
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvironment, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProcessor{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		config:   cfg,
		now:      time.Now,
	}, nil
}

// CreateSubscription creates a checkout transaction in Paddle. The returned
// remote subscription is pending initial payment (incomplete) until the
// subscription.created webhook lands.
func (p *PaddleProcessor) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.AccountID == "" {
		return nil, errors.New("account ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"account_id": req.AccountID,
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}

	var checkoutURL string
	if transaction.Checkout != nil && transaction.Checkout.URL != nil {
		checkoutURL = *transaction.Checkout.URL
	}
	if checkoutURL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &RemoteSubscription{
		ExternalSubscriptionID: transaction.ID,
		Status:                 entitlement.StatusIncomplete,
		CheckoutURL:            checkoutURL,
	}, nil
}

// CancelSubscription cancels the remote subscription, immediately or at the
// end of the current billing period.
func (p *PaddleProcessor) CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error {
	if externalSubscriptionID == "" {
		return errors.New("subscription ID is required")
	}

	effectiveFrom := paddle.EffectiveFromNextBillingPeriod
	if immediate {
		effectiveFrom = paddle.EffectiveFromImmediately
	}

	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalSubscriptionID,
		EffectiveFrom:  paddle.PtrTo(effectiveFrom),
	})
	if err != nil {
		return fmt.Errorf("failed to cancel paddle subscription: %w", err)
	}
	return nil
}

// GetSubscriptionStatus fetches the authoritative remote state from Paddle.
func (p *PaddleProcessor) GetSubscriptionStatus(ctx context.Context, externalSubscriptionID string) (*RemoteSubscription, error) {
	if externalSubscriptionID == "" {
		return nil, errors.New("subscription ID is required")
	}

	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: externalSubscriptionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get paddle subscription: %w", err)
	}

	remote := &RemoteSubscription{
		ExternalSubscriptionID: sub.ID,
		ExternalCustomerID:     sub.CustomerID,
		Status:                 mapPaddleStatus(string(sub.Status)),
	}

	if sub.CurrentBillingPeriod != nil {
		remote.PeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		remote.PeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && string(sub.ScheduledChange.Action) == "cancel" {
		remote.CancelAtPeriodEnd = true
	}

	return remote, nil
}

// VerifyWebhookSignature validates the Paddle signature and rejects payloads
// older than the configured skew. Verification failures are terminal.
func (p *PaddleProcessor) VerifyWebhookSignature(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrWebhookVerificationFailed)
	}

	if err := p.checkTimestampFreshness(signature); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return ErrWebhookVerificationFailed
	}
	return nil
}

// checkTimestampFreshness parses the ts= component of the Paddle signature
// header ("ts=1671552777;h1=...") and bounds the allowed clock skew.
func (p *PaddleProcessor) checkTimestampFreshness(signature string) error {
	for _, part := range strings.Split(signature, ";") {
		if !strings.HasPrefix(part, "ts=") {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimPrefix(part, "ts="), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed timestamp", ErrWebhookVerificationFailed)
		}
		age := p.now().Sub(time.Unix(ts, 0))
		if age > p.config.MaxWebhookAge {
			return fmt.Errorf("%w: payload too old (%s)", ErrWebhookVerificationFailed, age)
		}
		if age < -1*time.Minute {
			return fmt.Errorf("%w: timestamp is in the future", ErrWebhookVerificationFailed)
		}
		return nil
	}
	return fmt.Errorf("%w: signature missing timestamp", ErrWebhookVerificationFailed)
}

// ParseEvent normalizes a verified Paddle webhook payload.
func (p *PaddleProcessor) ParseEvent(payload []byte) (*Event, error) {
	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrInvalidEventPayload, err)
	}
	if paddleEvent.EventID == "" || paddleEvent.EventType == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrInvalidEventPayload)
	}

	event := &Event{
		ExternalEventID: paddleEvent.EventID,
		Type:            mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent:   paddleEvent.EventType,
		Raw:             paddleEvent.Data,
	}
	if t := parsePaddleTime(paddleEvent.OccurredAt); t != nil {
		event.OccurredAt = *t
	}

	data := paddleEvent.Data
	if id, ok := data["id"].(string); ok {
		event.ExternalSubscriptionID = id
	}
	if subID, ok := data["subscription_id"].(string); ok {
		// Transaction events reference their subscription separately.
		event.ExternalSubscriptionID = subID
	}
	if customerID, ok := data["customer_id"].(string); ok {
		event.ExternalCustomerID = customerID
	}
	if status, ok := data["status"].(string); ok {
		event.Status = mapPaddleStatus(status)
	}
	if customData, ok := data["custom_data"].(map[string]any); ok {
		if accountID, ok := customData["account_id"].(string); ok {
			event.AccountID = accountID
		}
	}
	if period, ok := data["current_billing_period"].(map[string]any); ok {
		if start, ok := period["starts_at"].(string); ok {
			event.PeriodStart = parsePaddleTime(start)
		}
		if end, ok := period["ends_at"].(string); ok {
			event.PeriodEnd = parsePaddleTime(end)
		}
	}
	if change, ok := data["scheduled_change"].(map[string]any); ok {
		if action, ok := change["action"].(string); ok && action == "cancel" {
			event.CancelAtPeriodEnd = true
		}
	}

	return event, nil
}

func mapPaddleEventType(providerEvent string) EventType {
	switch providerEvent {
	case "subscription.created", "subscription.activated":
		return EventSubscriptionCreated
	case "subscription.updated", "subscription.resumed", "subscription.past_due":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionCanceled
	case "transaction.completed", "transaction.payment_succeeded":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	default:
		return EventType(providerEvent)
	}
}

func mapPaddleStatus(providerStatus string) entitlement.Status {
	switch strings.ToLower(providerStatus) {
	case "active":
		return entitlement.StatusActive
	case "trialing":
		return entitlement.StatusTrialing
	case "past_due":
		return entitlement.StatusPastDue
	case "unpaid":
		return entitlement.StatusUnpaid
	case "canceled", "cancelled":
		return entitlement.StatusCanceled
	case "incomplete":
		return entitlement.StatusIncomplete
	case "incomplete_expired":
		return entitlement.StatusIncompleteExpired
	default:
		return entitlement.Status(strings.ToLower(providerStatus))
	}
}

func parsePaddleTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
