package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/capi"
	"github.com/ignite/capi-relay/internal/credentials"
	"github.com/ignite/capi-relay/internal/domain"
	"github.com/ignite/capi-relay/internal/privacy"
	"github.com/ignite/capi-relay/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mimics the claim semantics of the real store: each pending row is
// handed out at most once (status flip + SKIP LOCKED), and settle calls
// record the final state.
type fakeStore struct {
	mu      sync.Mutex
	events  []domain.ConversionEvent
	claimed map[uuid.UUID]bool

	sentCalls   []uuid.UUID
	failedCalls []failedCall
	claimErr    error
}

type failedCall struct {
	id          uuid.UUID
	lastError   string
	nextRetryAt time.Time
	terminal    bool
}

func (f *fakeStore) ClaimDue(ctx context.Context, workerID string, limit, maxAttempts int, lease time.Duration) ([]domain.ConversionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.claimed == nil {
		f.claimed = make(map[uuid.UUID]bool)
	}
	var out []domain.ConversionEvent
	for _, ev := range f.events {
		if f.claimed[ev.ID] || ev.RetryCount >= maxAttempts {
			continue
		}
		f.claimed[ev.ID] = true
		ev.Status = domain.StatusRetrying
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id uuid.UUID, httpStatus int, body, traceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCalls = append(f.sentCalls, id)
	return nil
}

func (f *fakeStore) MarkFailedAttempt(ctx context.Context, id uuid.UUID, lastError string, httpStatus int, body string, nextRetryAt time.Time, terminal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedCalls = append(f.failedCalls, failedCall{id: id, lastError: lastError, nextRetryAt: nextRetryAt, terminal: terminal})
	return nil
}

type fakeResolver struct {
	mu      sync.Mutex
	byOrg   map[uuid.UUID]*credentials.Resolved
	errs    map[uuid.UUID]error
	resolve int
}

func (f *fakeResolver) Resolve(ctx context.Context, orgID uuid.UUID) (*credentials.Resolved, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolve++
	if err, ok := f.errs[orgID]; ok {
		return nil, err
	}
	if r, ok := f.byOrg[orgID]; ok {
		return r, nil
	}
	return nil, credentials.ErrNoCredentials
}

type fakeClient struct {
	mu      sync.Mutex
	results map[string]capi.Result // keyed by event_id; default Sent
	sends   []capi.EventPayload
}

func (f *fakeClient) SendEvent(ctx context.Context, pixelID, token, testCode string, payload capi.EventPayload) capi.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, payload)
	if r, ok := f.results[payload.EventID]; ok {
		return r
	}
	return capi.Result{Outcome: capi.OutcomeSent, EventsReceived: 1, HTTPStatus: 200}
}

type fakeHealth struct {
	mu        sync.Mutex
	successes map[uuid.UUID]int
	failures  map[uuid.UUID]int
	lastError string
}

func (f *fakeHealth) RecordSuccess(ctx context.Context, orgID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successes == nil {
		f.successes = make(map[uuid.UUID]int)
	}
	f.successes[orgID]++
	return nil
}

func (f *fakeHealth) RecordFailure(ctx context.Context, orgID uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[uuid.UUID]int)
	}
	f.failures[orgID]++
	f.lastError = lastError
	return nil
}

func testEvent(orgID uuid.UUID, eventID string, retryCount int) domain.ConversionEvent {
	return domain.ConversionEvent{
		ID:             uuid.New(),
		OrganizationID: orgID,
		EventID:        eventID,
		TransactionID:  "txn-" + eventID,
		DedupeKey:      orgID.String() + ":txn-" + eventID,
		EventName:      "Purchase",
		EventTime:      time.Now().Add(-time.Hour),
		UserDataHashed: map[string]string{privacy.FieldEmail: "digest"},
		CustomData:     map[string]interface{}{"value": 25.0, "currency": "USD"},
		Status:         domain.StatusPending,
		RetryCount:     retryCount,
	}
}

func testProcessor(store *fakeStore, resolver *fakeResolver, client *fakeClient, healthRec *fakeHealth) *Processor {
	return New(Config{
		Store:    store,
		Resolver: resolver,
		Client:   client,
		Health:   healthRec,
		Schedule: retry.Schedule{BaseDelay: 2 * time.Minute, MaxDelay: time.Hour, MaxAttempts: 5},
		DefaultAllowlists: privacy.Allowlists{
			domain.PrivacyStandard:     {privacy.FieldEmail, privacy.FieldPhone},
			domain.PrivacyConservative: {privacy.FieldEmail},
		},
	})
}

func resolvedFor(pixel string) *credentials.Resolved {
	return &credentials.Resolved{
		PixelID:     pixel,
		AccessToken: "tok",
		PrivacyMode: domain.PrivacyStandard,
	}
}

func TestRunOnceHappyPath(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{events: []domain.ConversionEvent{testEvent(orgID, "evt-1", 0)}}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{}
	healthRec := &fakeHealth{}

	p := testProcessor(store, resolver, client, healthRec)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, store.sentCalls, 1)
	assert.Empty(t, store.failedCalls, "a successful send must not touch the retry budget")
	assert.Equal(t, 1, healthRec.successes[orgID])
}

func TestRunOnceSoftRejectionReschedules(t *testing.T) {
	orgID := uuid.New()
	ev := testEvent(orgID, "evt-1", 0)
	store := &fakeStore{events: []domain.ConversionEvent{ev}}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{results: map[string]capi.Result{
		"evt-1": {Outcome: capi.OutcomeRejected, HTTPStatus: 200, Body: `{"events_received":0}`},
	}}
	healthRec := &fakeHealth{}

	p := testProcessor(store, resolver, client, healthRec)
	before := time.Now()
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, store.failedCalls, 1)
	call := store.failedCalls[0]
	assert.False(t, call.terminal, "first failure of five is not terminal")
	expected := before.Add(2 * time.Minute)
	assert.WithinDuration(t, expected, call.nextRetryAt, 5*time.Second, "first retry lands one base delay out")
	assert.Equal(t, 1, healthRec.failures[orgID])
}

func TestRunOnceExhaustedRetriesGoTerminal(t *testing.T) {
	orgID := uuid.New()
	ev := testEvent(orgID, "evt-1", 4) // one attempt left of five
	store := &fakeStore{events: []domain.ConversionEvent{ev}}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{results: map[string]capi.Result{
		"evt-1": {Outcome: capi.OutcomeTransportError, Err: context.DeadlineExceeded},
	}}
	healthRec := &fakeHealth{}

	p := testProcessor(store, resolver, client, healthRec)
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, store.failedCalls, 1)
	assert.True(t, store.failedCalls[0].terminal, "fifth failed attempt exhausts the budget")

	// Terminal rows are not claimable on the next pass.
	store.mu.Lock()
	store.events[0].RetryCount = 5
	delete(store.claimed, store.events[0].ID)
	store.mu.Unlock()

	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed, "terminal failed events must not be re-selected")
}

func TestRunOnceCredentialFailureIsolatedPerTenant(t *testing.T) {
	brokenOrg := uuid.New()
	healthyOrg := uuid.New()
	store := &fakeStore{events: []domain.ConversionEvent{
		testEvent(brokenOrg, "evt-a", 0),
		testEvent(healthyOrg, "evt-b", 0),
	}}
	resolver := &fakeResolver{
		byOrg: map[uuid.UUID]*credentials.Resolved{healthyOrg: resolvedFor("px-2")},
		errs:  map[uuid.UUID]error{brokenOrg: credentials.ErrNoCredentials},
	}
	client := &fakeClient{}
	healthRec := &fakeHealth{}

	p := testProcessor(store, resolver, client, healthRec)
	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent, "the healthy tenant still delivers")
	assert.Equal(t, 1, summary.Skipped, "the broken tenant's event is settled, not dropped")
	require.Len(t, store.failedCalls, 1)
	assert.Contains(t, store.failedCalls[0].lastError, "no credentials")
	assert.Len(t, client.sends, 1, "no send is attempted without a token")
	assert.Equal(t, 2, resolver.resolve, "credentials resolve once per tenant, not per event")
}

func TestRunOnceResolvesOncePerTenantManyEvents(t *testing.T) {
	orgID := uuid.New()
	store := &fakeStore{events: []domain.ConversionEvent{
		testEvent(orgID, "evt-1", 0),
		testEvent(orgID, "evt-2", 0),
		testEvent(orgID, "evt-3", 0),
	}}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	p := testProcessor(store, resolver, &fakeClient{}, &fakeHealth{})

	summary, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 1, resolver.resolve)
}

func TestRunOnceValidationFailureGoesTerminalWithoutSending(t *testing.T) {
	orgID := uuid.New()
	ev := testEvent(orgID, "evt-1", 0)
	ev.EventTime = time.Now().Add(-30 * 24 * time.Hour) // far past the acceptance window
	store := &fakeStore{events: []domain.ConversionEvent{ev}}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{}

	p := testProcessor(store, resolver, client, &fakeHealth{})
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, client.sends, "invalid payloads must never reach the wire")
	require.Len(t, store.failedCalls, 1)
	assert.True(t, store.failedCalls[0].terminal)
	assert.Contains(t, store.failedCalls[0].lastError, "invalid event payload")
}

func TestConcurrentPassesNeverDoubleSend(t *testing.T) {
	orgID := uuid.New()
	var events []domain.ConversionEvent
	for i := 0; i < 20; i++ {
		events = append(events, testEvent(orgID, uuid.New().String(), 0))
	}
	store := &fakeStore{events: events}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{}
	p := testProcessor(store, resolver, client, &fakeHealth{})
	q := testProcessor(store, resolver, client, &fakeHealth{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.RunOnce(context.Background()) }()
	go func() { defer wg.Done(); q.RunOnce(context.Background()) }()
	wg.Wait()

	assert.Len(t, client.sends, 20, "each event is sent exactly once across both passes")
	seen := make(map[string]int)
	for _, payload := range client.sends {
		seen[payload.EventID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s sent %d times", id, n)
	}
}

func TestRunOnceClaimErrorPropagates(t *testing.T) {
	store := &fakeStore{claimErr: context.DeadlineExceeded}
	p := testProcessor(store, &fakeResolver{}, &fakeClient{}, &fakeHealth{})

	_, err := p.RunOnce(context.Background())
	assert.Error(t, err, "an infrastructure-level selection failure must surface to the trigger caller")
}

func TestBuildOnlyDoesNotMutate(t *testing.T) {
	orgID := uuid.New()
	ev := testEvent(orgID, "evt-1", 0)
	store := &fakeStore{}
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: resolvedFor("px-1")}}
	client := &fakeClient{}

	p := testProcessor(store, resolver, client, &fakeHealth{})
	payload, err := p.BuildOnly(context.Background(), &ev)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", payload.EventID)
	assert.Empty(t, client.sends, "dry run must not send")
	assert.Empty(t, store.sentCalls)
	assert.Empty(t, store.failedCalls)
}

func TestRunOnceTenantAllowlistOverride(t *testing.T) {
	orgID := uuid.New()
	ev := testEvent(orgID, "evt-1", 0)
	ev.UserDataHashed = map[string]string{
		privacy.FieldEmail: "em-digest",
		privacy.FieldPhone: "ph-digest",
	}
	store := &fakeStore{events: []domain.ConversionEvent{ev}}
	creds := resolvedFor("px-1")
	creds.AllowedFields = []string{privacy.FieldEmail} // tenant narrows the standard list
	resolver := &fakeResolver{byOrg: map[uuid.UUID]*credentials.Resolved{orgID: creds}}
	client := &fakeClient{}

	p := testProcessor(store, resolver, client, &fakeHealth{})
	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, client.sends, 1)
	assert.Contains(t, client.sends[0].UserData, privacy.FieldEmail)
	assert.NotContains(t, client.sends[0].UserData, privacy.FieldPhone)
}
