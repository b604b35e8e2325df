package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// MemoryProcessor is an in-memory Processor for development and tests. It
// signs payloads the same way it verifies them, so tests can produce
// deliveries that pass verification.
type MemoryProcessor struct {
	mu     sync.Mutex
	secret string
	seq    int
	subs   map[string]*RemoteSubscription
	now    func() time.Time

	// FailCalls makes outbound calls fail, for breaker tests.
	failCalls error
}

// NewMemoryProcessor creates an in-memory processor with the given webhook
// secret.
func NewMemoryProcessor(secret string) *MemoryProcessor {
	return &MemoryProcessor{
		secret: secret,
		subs:   make(map[string]*RemoteSubscription),
		now:    time.Now,
	}
}

// WithClock overrides the processor time source. Intended for tests.
func (m *MemoryProcessor) WithClock(now func() time.Time) *MemoryProcessor {
	m.now = now
	return m
}

// FailWith makes subsequent outbound calls fail with err. Pass nil to
// recover.
func (m *MemoryProcessor) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls = err
}

// SetRemote seeds or overwrites the remote view of a subscription.
func (m *MemoryProcessor) SetRemote(sub *RemoteSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ExternalSubscriptionID] = &cp
}

func (m *MemoryProcessor) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCalls != nil {
		return nil, m.failCalls
	}

	m.seq++
	id := fmt.Sprintf("txn_%06d", m.seq)
	remote := &RemoteSubscription{
		ExternalSubscriptionID: id,
		Status:                 entitlement.StatusIncomplete,
		CheckoutURL:            "https://checkout.example.test/" + id,
	}
	m.subs[id] = remote
	cp := *remote
	return &cp, nil
}

func (m *MemoryProcessor) CancelSubscription(ctx context.Context, externalSubscriptionID string, immediate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCalls != nil {
		return m.failCalls
	}

	sub, ok := m.subs[externalSubscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if immediate {
		sub.Status = entitlement.StatusCanceled
		sub.CancelAtPeriodEnd = false
	} else {
		sub.CancelAtPeriodEnd = true
	}
	return nil
}

func (m *MemoryProcessor) GetSubscriptionStatus(ctx context.Context, externalSubscriptionID string) (*RemoteSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCalls != nil {
		return nil, m.failCalls
	}

	sub, ok := m.subs[externalSubscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryProcessor) VerifyWebhookSignature(ctx context.Context, payload []byte, signature string) error {
	if signature == "" || signature != m.Sign(payload) {
		return ErrWebhookVerificationFailed
	}
	return nil
}

// Sign computes the signature Verify expects for payload.
func (m *MemoryProcessor) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MemoryProcessor) ParseEvent(payload []byte) (*Event, error) {
	// The memory processor speaks the same payload shape as Paddle.
	p := &PaddleProcessor{now: m.now}
	return p.ParseEvent(payload)
}

var _ Processor = (*MemoryProcessor)(nil)
