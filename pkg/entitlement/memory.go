package entitlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. WithinTx serializes writers and rolls back on error, so the
// single-transaction guarantees hold the same way they do against SQL.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	accounts      map[uuid.UUID]*Account
	subscriptions map[uuid.UUID]*Subscription
	usageRecords  []*UsageRecord
	webhookEvents map[string]*WebhookEvent
	reminders     map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		accounts:      make(map[uuid.UUID]*Account),
		subscriptions: make(map[uuid.UUID]*Subscription),
		webhookEvents: make(map[string]*WebhookEvent),
		reminders:     make(map[string]bool),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for id, a := range d.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, s := range d.subscriptions {
		cp := *s
		c.subscriptions[id] = &cp
	}
	c.usageRecords = make([]*UsageRecord, len(d.usageRecords))
	for i, r := range d.usageRecords {
		cp := *r
		c.usageRecords[i] = &cp
	}
	for id, e := range d.webhookEvents {
		cp := *e
		c.webhookEvents[id] = &cp
	}
	for k, v := range d.reminders {
		c.reminders[k] = v
	}
	return c
}

// WithinTx runs fn against a transactional view. The store-wide mutex is
// held for the duration; on error every mutation made by fn is discarded.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(ctx, &txStore{data: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).GetAccount(ctx, id)
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).CreateAccount(ctx, account)
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).UpdateAccount(ctx, account)
}

func (m *MemoryStore) ListAccountsByStatus(ctx context.Context, status Status) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListAccountsByStatus(ctx, status)
}

func (m *MemoryStore) ListAccountsWithStaleUsageWindow(ctx context.Context, cutoff time.Time) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListAccountsWithStaleUsageWindow(ctx, cutoff)
}

func (m *MemoryStore) ListExpiredProAccounts(ctx context.Context, now time.Time) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListExpiredProAccounts(ctx, now)
}

func (m *MemoryStore) ListAccountsRenewingBetween(ctx context.Context, from, to time.Time) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListAccountsRenewingBetween(ctx, from, to)
}

func (m *MemoryStore) GetActiveSubscription(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).GetActiveSubscription(ctx, accountID)
}

func (m *MemoryStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).GetSubscriptionByExternalID(ctx, externalID)
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).CreateSubscription(ctx, sub)
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).UpdateSubscription(ctx, sub)
}

func (m *MemoryStore) ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListActiveSubscriptions(ctx)
}

func (m *MemoryStore) InsertUsageRecord(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).InsertUsageRecord(ctx, rec)
}

func (m *MemoryStore) PurgeUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).PurgeUsageRecordsBefore(ctx, cutoff)
}

func (m *MemoryStore) GetWebhookEvent(ctx context.Context, externalEventID string) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).GetWebhookEvent(ctx, externalEventID)
}

func (m *MemoryStore) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).CreateWebhookEvent(ctx, event)
}

func (m *MemoryStore) UpdateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).UpdateWebhookEvent(ctx, event)
}

func (m *MemoryStore) ListWebhookEventsByStatus(ctx context.Context, status EventStatus) ([]*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ListWebhookEventsByStatus(ctx, status)
}

func (m *MemoryStore) PurgeWebhookEventsBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).PurgeWebhookEventsBefore(ctx, cutoff, failedCutoff)
}

func (m *MemoryStore) ReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).ReminderSent(ctx, accountID, kind, periodEnd)
}

func (m *MemoryStore) MarkReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txStore{data: m.data}).MarkReminderSent(ctx, accountID, kind, periodEnd)
}

// txStore is the unlocked view used inside WithinTx and by the locked
// MemoryStore wrappers. Copies are returned so callers cannot mutate
// stored state without going through Update methods.
type txStore struct {
	data *memData
}

func (t *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	// Already inside a transaction; nested calls join it.
	return fn(ctx, t)
}

func (t *txStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	a, ok := t.data.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *txStore) CreateAccount(_ context.Context, account *Account) error {
	if _, ok := t.data.accounts[account.ID]; ok {
		return ErrAccountAlreadyExists
	}
	cp := *account
	t.data.accounts[account.ID] = &cp
	return nil
}

func (t *txStore) UpdateAccount(_ context.Context, account *Account) error {
	if _, ok := t.data.accounts[account.ID]; !ok {
		return ErrAccountNotFound
	}
	cp := *account
	t.data.accounts[account.ID] = &cp
	return nil
}

func (t *txStore) ListAccountsByStatus(_ context.Context, status Status) ([]*Account, error) {
	var out []*Account
	for _, a := range t.data.accounts {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (t *txStore) ListAccountsWithStaleUsageWindow(_ context.Context, cutoff time.Time) ([]*Account, error) {
	var out []*Account
	for _, a := range t.data.accounts {
		if !a.WeeklyUsageResetAt.After(cutoff) && a.WeeklyUsageCount > 0 {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (t *txStore) ListExpiredProAccounts(_ context.Context, now time.Time) ([]*Account, error) {
	var out []*Account
	for _, a := range t.data.accounts {
		if a.Tier != TierPro || a.PeriodEnd == nil || !now.After(*a.PeriodEnd) {
			continue
		}
		if a.CancelAtPeriodEnd || a.Status.ImpliesNonPaying() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (t *txStore) ListAccountsRenewingBetween(_ context.Context, from, to time.Time) ([]*Account, error) {
	var out []*Account
	for _, a := range t.data.accounts {
		if a.Tier != TierPro || a.Status != StatusActive || a.PeriodEnd == nil || a.CancelAtPeriodEnd {
			continue
		}
		if !a.PeriodEnd.Before(from) && a.PeriodEnd.Before(to) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAccounts(out)
	return out, nil
}

func (t *txStore) GetActiveSubscription(_ context.Context, accountID uuid.UUID) (*Subscription, error) {
	for _, s := range t.data.subscriptions {
		if s.AccountID == accountID && !s.Status.IsTerminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (t *txStore) GetSubscriptionByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	for _, s := range t.data.subscriptions {
		if s.ExternalSubscriptionID == externalID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (t *txStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	if _, ok := t.data.subscriptions[sub.ID]; ok {
		return ErrSubscriptionAlreadyExists
	}
	// At most one live (non-terminal) row per account at any time.
	if !sub.Status.IsTerminal() {
		for _, existing := range t.data.subscriptions {
			if existing.AccountID == sub.AccountID && !existing.Status.IsTerminal() {
				return fmt.Errorf("%w: account already has an active subscription", ErrSubscriptionAlreadyExists)
			}
		}
	}
	cp := *sub
	t.data.subscriptions[sub.ID] = &cp
	return nil
}

func (t *txStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	if _, ok := t.data.subscriptions[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	t.data.subscriptions[sub.ID] = &cp
	return nil
}

func (t *txStore) ListActiveSubscriptions(_ context.Context) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range t.data.subscriptions {
		if !s.Status.IsTerminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *txStore) InsertUsageRecord(_ context.Context, rec *UsageRecord) error {
	cp := *rec
	t.data.usageRecords = append(t.data.usageRecords, &cp)
	return nil
}

func (t *txStore) PurgeUsageRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []*UsageRecord
	var purged int64
	for _, r := range t.data.usageRecords {
		if r.OccurredAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	t.data.usageRecords = kept
	return purged, nil
}

func (t *txStore) GetWebhookEvent(_ context.Context, externalEventID string) (*WebhookEvent, error) {
	e, ok := t.data.webhookEvents[externalEventID]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *txStore) CreateWebhookEvent(_ context.Context, event *WebhookEvent) error {
	if _, ok := t.data.webhookEvents[event.ExternalEventID]; ok {
		return ErrWebhookEventAlreadyExists
	}
	cp := *event
	t.data.webhookEvents[event.ExternalEventID] = &cp
	return nil
}

func (t *txStore) UpdateWebhookEvent(_ context.Context, event *WebhookEvent) error {
	existing, ok := t.data.webhookEvents[event.ExternalEventID]
	if !ok {
		return ErrWebhookEventNotFound
	}
	if existing.Status.IsTerminal() {
		return ErrWebhookEventImmutable
	}
	cp := *event
	t.data.webhookEvents[event.ExternalEventID] = &cp
	return nil
}

func (t *txStore) ListWebhookEventsByStatus(_ context.Context, status EventStatus) ([]*WebhookEvent, error) {
	var out []*WebhookEvent
	for _, e := range t.data.webhookEvents {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

func (t *txStore) PurgeWebhookEventsBefore(_ context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	var purged int64
	for id, e := range t.data.webhookEvents {
		if !e.Status.IsTerminal() {
			continue
		}
		// Failed events are audit rows with a longer retention window.
		limit := cutoff
		if e.Status == EventFailedTerminal {
			limit = failedCutoff
		}
		if e.ReceivedAt.Before(limit) {
			delete(t.data.webhookEvents, id)
			purged++
		}
	}
	return purged, nil
}

func (t *txStore) ReminderSent(_ context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) (bool, error) {
	return t.data.reminders[reminderKey(accountID, kind, periodEnd)], nil
}

func (t *txStore) MarkReminderSent(_ context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) error {
	t.data.reminders[reminderKey(accountID, kind, periodEnd)] = true
	return nil
}

func reminderKey(accountID uuid.UUID, kind string, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%s:%d", accountID, kind, periodEnd.Unix())
}

func sortAccounts(accounts []*Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
}
