// Package processor drives the outbox: claim due events, resolve tenant
// credentials once per batch, build and deliver payloads, and settle every
// row's next state. One invocation processes one bounded batch to completion.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/capi"
	"github.com/ignite/capi-relay/internal/credentials"
	"github.com/ignite/capi-relay/internal/domain"
	"github.com/ignite/capi-relay/internal/pkg/distlock"
	"github.com/ignite/capi-relay/internal/pkg/logger"
	"github.com/ignite/capi-relay/internal/privacy"
	"github.com/ignite/capi-relay/internal/retry"
)

const (
	// DefaultBatchSize bounds one invocation's claim.
	DefaultBatchSize = 200
	// DefaultTenantConcurrency bounds parallel tenants; events within one
	// tenant go out sequentially to stay under per-account rate limits.
	DefaultTenantConcurrency = 4
	// DefaultLeaseWindow is how long a claimed row stays unavailable before
	// a crashed worker's claim expires.
	DefaultLeaseWindow = 5 * time.Minute
)

// EventStore is the outbox persistence surface the processor mutates.
type EventStore interface {
	ClaimDue(ctx context.Context, workerID string, limit, maxAttempts int, leaseWindow time.Duration) ([]domain.ConversionEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID, httpStatus int, responseBody, traceID string) error
	MarkFailedAttempt(ctx context.Context, id uuid.UUID, lastError string, httpStatus int, responseBody string, nextRetryAt time.Time, terminal bool) error
}

// CredentialResolver yields one tenant's destination and token per batch.
type CredentialResolver interface {
	Resolve(ctx context.Context, orgID uuid.UUID) (*credentials.Resolved, error)
}

// DeliveryClient performs a single outbound attempt.
type DeliveryClient interface {
	SendEvent(ctx context.Context, pixelID, accessToken, testEventCode string, payload capi.EventPayload) capi.Result
}

// HealthRecorder receives the outcome of every attempt.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, orgID uuid.UUID) error
	RecordFailure(ctx context.Context, orgID uuid.UUID, lastError string) error
}

// Pacer throttles outbound sends per destination pixel.
type Pacer interface {
	Wait(ctx context.Context, pixelID string) error
}

// Summary is returned to the trigger caller. Individual event failures are
// absorbed into counters; only a failed claim query surfaces as an error.
type Summary struct {
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration_ns"`
	Locked    bool          `json:"locked,omitempty"`
}

// Processor is the outbox delivery engine.
type Processor struct {
	store    EventStore
	resolver CredentialResolver
	client   DeliveryClient
	health   HealthRecorder
	pacer    Pacer             // optional
	lock     distlock.DistLock // optional

	schedule       retry.Schedule
	defaultLists   privacy.Allowlists
	workerID       string
	batchSize      int
	tenantParallel int
	leaseWindow    time.Duration
	clock          func() time.Time
}

// Config wires a Processor.
type Config struct {
	Store             EventStore
	Resolver          CredentialResolver
	Client            DeliveryClient
	Health            HealthRecorder
	Pacer             Pacer
	Lock              distlock.DistLock
	Schedule          retry.Schedule
	DefaultAllowlists privacy.Allowlists
	BatchSize         int
	TenantConcurrency int
	LeaseWindow       time.Duration
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TenantConcurrency <= 0 {
		cfg.TenantConcurrency = DefaultTenantConcurrency
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = DefaultLeaseWindow
	}
	if cfg.Schedule.MaxAttempts == 0 {
		cfg.Schedule = retry.DefaultSchedule()
	}
	return &Processor{
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		client:         cfg.Client,
		health:         cfg.Health,
		pacer:          cfg.Pacer,
		lock:           cfg.Lock,
		schedule:       cfg.Schedule,
		defaultLists:   cfg.DefaultAllowlists,
		workerID:       fmt.Sprintf("capi-%s", uuid.New().String()[:8]),
		batchSize:      cfg.BatchSize,
		tenantParallel: cfg.TenantConcurrency,
		leaseWindow:    cfg.LeaseWindow,
		clock:          time.Now,
	}
}

// RunOnce processes one batch synchronously to completion. It returns an
// error only when the claim itself fails; event-level failures are counted
// in the Summary and recorded on the rows.
func (p *Processor) RunOnce(ctx context.Context) (Summary, error) {
	start := p.clock()

	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("acquiring run lock: %w", err)
		}
		if !acquired {
			return Summary{Locked: true, Duration: p.clock().Sub(start)}, nil
		}
		defer func() {
			if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("releasing run lock failed", "error", err.Error())
			}
		}()
	}

	events, err := p.store.ClaimDue(ctx, p.workerID, p.batchSize, p.schedule.MaxAttempts, p.leaseWindow)
	if err != nil {
		return Summary{}, fmt.Errorf("selecting due events: %w", err)
	}
	if len(events) == 0 {
		return Summary{Duration: p.clock().Sub(start)}, nil
	}

	byTenant := make(map[uuid.UUID][]domain.ConversionEvent)
	for _, ev := range events {
		byTenant[ev.OrganizationID] = append(byTenant[ev.OrganizationID], ev)
	}

	var sent, failed, skipped int64
	sem := make(chan struct{}, p.tenantParallel)
	var wg sync.WaitGroup
	for orgID, batch := range byTenant {
		wg.Add(1)
		sem <- struct{}{}
		go func(orgID uuid.UUID, batch []domain.ConversionEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			s, f, sk := p.processTenant(ctx, orgID, batch)
			atomic.AddInt64(&sent, s)
			atomic.AddInt64(&failed, f)
			atomic.AddInt64(&skipped, sk)
		}(orgID, batch)
	}
	wg.Wait()

	summary := Summary{
		Processed: len(events),
		Sent:      int(sent),
		Failed:    int(failed),
		Skipped:   int(skipped),
		Duration:  p.clock().Sub(start),
	}
	logger.Info("outbox pass complete",
		"processed", summary.Processed, "sent", summary.Sent,
		"failed", summary.Failed, "skipped", summary.Skipped,
		"duration", summary.Duration.String())
	return summary, nil
}

// processTenant resolves credentials once, then delivers the tenant's events
// sequentially. A credential failure settles the whole group without
// touching other tenants.
func (p *Processor) processTenant(ctx context.Context, orgID uuid.UUID, batch []domain.ConversionEvent) (sent, failed, skipped int64) {
	creds, err := p.resolver.Resolve(ctx, orgID)
	if err != nil {
		reason := "no credentials: " + err.Error()
		if errors.Is(err, credentials.ErrNotConfigured) {
			reason = "conversions not configured for tenant"
		}
		logger.Warn("tenant credential resolution failed",
			"organization_id", orgID.String(), "error", err.Error())
		for i := range batch {
			p.settleFailure(ctx, &batch[i], reason, 0, "")
			skipped++
		}
		return 0, 0, skipped
	}

	lists := p.effectiveAllowlists(creds)
	for i := range batch {
		ev := &batch[i]
		if ok := p.deliverEvent(ctx, ev, creds, lists); ok {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, skipped
}

func (p *Processor) deliverEvent(ctx context.Context, ev *domain.ConversionEvent, creds *credentials.Resolved, lists privacy.Allowlists) bool {
	payload, err := capi.BuildPayload(ev, creds.PrivacyMode, lists, p.clock())
	if err != nil {
		var verr *capi.ValidationError
		if errors.As(err, &verr) {
			// A payload that fails preconditions cannot heal by waiting, so
			// it goes terminal now instead of burning the retry budget.
			p.settleTerminal(ctx, ev, err.Error())
			return false
		}
		p.settleFailure(ctx, ev, err.Error(), 0, "")
		return false
	}

	pixelID := ev.DestinationPixelID(creds.PixelID)
	if p.pacer != nil {
		if err := p.pacer.Wait(ctx, pixelID); err != nil {
			p.settleFailure(ctx, ev, "send paced out: "+err.Error(), 0, "")
			return false
		}
	}

	result := p.client.SendEvent(ctx, pixelID, creds.AccessToken, creds.TestEventCode, payload)
	switch result.Outcome {
	case capi.OutcomeSent:
		if err := p.store.MarkSent(ctx, ev.ID, result.HTTPStatus, result.Body, result.TraceID); err != nil {
			logger.Error("persisting sent state failed", "event_id", ev.EventID, "error", err.Error())
		}
		if err := p.health.RecordSuccess(ctx, ev.OrganizationID); err != nil {
			logger.Warn("recording health success failed", "error", err.Error())
		}
		return true
	default:
		msg := result.Outcome.String()
		if result.Err != nil {
			msg = result.Err.Error()
		}
		p.settleFailure(ctx, ev, msg, result.HTTPStatus, result.Body)
		return false
	}
}

// settleFailure advances the retry budget and reschedules or finalizes the
// event. Every non-success outcome lands here so no row is left in flight.
func (p *Processor) settleFailure(ctx context.Context, ev *domain.ConversionEvent, lastError string, httpStatus int, body string) {
	attempt := ev.RetryCount + 1
	terminal := p.schedule.IsTerminal(attempt)
	nextRetry := p.schedule.NextRetryAt(p.clock(), attempt)

	if err := p.store.MarkFailedAttempt(ctx, ev.ID, lastError, httpStatus, body, nextRetry, terminal); err != nil {
		logger.Error("persisting failed attempt", "event_id", ev.EventID, "error", err.Error())
	}
	if err := p.health.RecordFailure(ctx, ev.OrganizationID, lastError); err != nil {
		logger.Warn("recording health failure failed", "error", err.Error())
	}
	if terminal {
		logger.Warn("event exhausted retry budget",
			"event_id", ev.EventID, "organization_id", ev.OrganizationID.String(),
			"attempts", attempt, "last_error", lastError)
	}
}

func (p *Processor) settleTerminal(ctx context.Context, ev *domain.ConversionEvent, lastError string) {
	if err := p.store.MarkFailedAttempt(ctx, ev.ID, lastError, 0, "", p.clock(), true); err != nil {
		logger.Error("persisting terminal failure", "event_id", ev.EventID, "error", err.Error())
	}
	if err := p.health.RecordFailure(ctx, ev.OrganizationID, lastError); err != nil {
		logger.Warn("recording health failure failed", "error", err.Error())
	}
}

// BuildOnly resolves the event's tenant and constructs the payload that a
// real pass would send, without sending and without mutating any state.
// Support uses it to diagnose delivery problems for a specific event.
func (p *Processor) BuildOnly(ctx context.Context, ev *domain.ConversionEvent) (capi.EventPayload, error) {
	creds, err := p.resolver.Resolve(ctx, ev.OrganizationID)
	if err != nil {
		return capi.EventPayload{}, err
	}
	return capi.BuildPayload(ev, creds.PrivacyMode, p.effectiveAllowlists(creds), p.clock())
}

// effectiveAllowlists applies the tenant's allow-list override, if any, on
// top of the configured per-mode defaults.
func (p *Processor) effectiveAllowlists(creds *credentials.Resolved) privacy.Allowlists {
	if len(creds.AllowedFields) == 0 {
		return p.defaultLists
	}
	lists := make(privacy.Allowlists, len(p.defaultLists))
	for mode, fields := range p.defaultLists {
		lists[mode] = fields
	}
	lists[creds.PrivacyMode] = creds.AllowedFields
	return lists
}
