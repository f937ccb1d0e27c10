// Package engine runs optimistic claim transactions against the
// authoritative backend and keeps local read-views consistent with it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slot-claims/backend/internal/claim"
	"github.com/slot-claims/backend/internal/metrics"
	"github.com/slot-claims/backend/internal/slot"
	"github.com/slot-claims/backend/internal/storage/models"
)

var tracer = otel.Tracer("slotclaims.engine")

// Config tunes the coordinator.
type Config struct {
	// StalenessThreshold is the oldest caller-supplied approved-claims view
	// trusted for pre-validation. Older views are refetched.
	StalenessThreshold time.Duration

	// CommitTimeout bounds a single backend commit. Zero means no bound.
	CommitTimeout time.Duration

	// StrictTransitions enforces the claim status transition table.
	StrictTransitions bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: time.Second,
		CommitTimeout:      10 * time.Second,
	}
}

// Intent is a user's request to claim a resource.
type Intent struct {
	// Resource is the caller's copy of the resource, used to avoid a refetch.
	Resource models.Resource

	ClaimantID   string
	SelectedSlot *models.TimeSlot

	// Approved is the caller's view of approved claims for the resource and
	// ApprovedAsOf when it was fetched. A zero ApprovedAsOf means no view
	// was supplied.
	Approved     []models.ClaimedItem
	ApprovedAsOf time.Time
}

// Outcome is the result of a committed claim transaction.
type Outcome struct {
	Claim   models.ClaimedItem `json:"claim"`
	Ref     ClaimRef           `json:"ref"`
	LocalID string             `json:"local_id"`
}

// Coordinator runs claim transactions: validate, snapshot, install
// speculatively, commit to the backend, then reconcile or roll back.
//
// Transactions for different (resource, claimant) pairs may run
// concurrently. A second transaction for a pair already in flight is
// rejected with ErrTransactionInFlight.
type Coordinator struct {
	backend     Backend
	views       Views
	detector    *slot.Detector
	machine     claim.Machine
	invalidator Invalidator
	notifier    Notifier
	logger      *slog.Logger
	cfg         Config
	newID       func() string

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInvalidator sets the consistency propagator notified after commits.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Coordinator) { c.invalidator = inv }
}

// WithNotifier sets the event sink for settled transactions.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.detector = slot.NewDetectorWithClock(now) }
}

// WithIDGenerator replaces the local ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// NewCoordinator creates a coordinator over a backend and a view store.
func NewCoordinator(backend Backend, views Views, cfg Config, opts ...Option) *Coordinator {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultConfig().StalenessThreshold
	}

	c := &Coordinator{
		backend:  backend,
		views:    views,
		detector: slot.NewDetector(),
		machine:  claim.Machine{Strict: cfg.StrictTransitions},
		logger:   slog.Default(),
		cfg:      cfg,
		newID:    uuid.NewString,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Views returns the coordinator's view store.
func (c *Coordinator) Views() Views {
	return c.views
}

// Detector returns the conflict detector bound to the coordinator's clock.
func (c *Coordinator) Detector() *slot.Detector {
	return c.detector
}

// Claim runs one claim transaction to completion.
//
// Pre-validation failures return before anything is installed. Backend
// failures restore every view from the snapshot before returning. Once the
// backend commit has been issued, cancelling ctx no longer aborts it.
func (c *Coordinator) Claim(ctx context.Context, in Intent) (out *Outcome, err error) {
	res := in.Resource
	ctx, span := tracer.Start(ctx, "claims.transaction", trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
		attribute.Bool("slot.selected", in.SelectedSlot != nil),
	))
	defer span.End()

	start := time.Now()
	outcome := metrics.OutcomeRejected
	defer func() {
		metrics.ObserveTransaction(string(res.Kind), outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if res.ID == "" || in.ClaimantID == "" || !res.Kind.Valid() {
		return nil, fmt.Errorf("%w: resource id, claimant and kind are required", ErrInvalidIntent)
	}
	if in.SelectedSlot != nil {
		if err := in.SelectedSlot.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIntent, err)
		}
	}

	release, ok := c.acquire(res.ID, in.ClaimantID)
	if !ok {
		return nil, &ClaimError{Err: ErrTransactionInFlight}
	}
	defer release()
	defer metrics.TransactionStarted()()

	// Step 1: pre-validation. Nothing to undo on failure.
	if err := c.prevalidate(ctx, in); err != nil {
		return nil, err
	}

	// Step 2: snapshot the views this transaction will touch.
	snap := c.views.Snapshot(in.ClaimantID, res.ID)

	// Step 3: speculative install.
	localID := c.newID()
	speculative := models.ClaimedItem{
		ID:         localID,
		ClaimantID: in.ClaimantID,
		Status:     claim.InitialStatus(res.Kind),
		ClaimedAt:  c.detector.Now().UTC(),
	}
	speculative.SnapshotResource(&res)
	if in.SelectedSlot != nil {
		s := *in.SelectedSlot
		speculative.SelectedTimeSlot = &s
	}
	pledged := 0
	if res.Kind == models.KindVolunteerSlot {
		pledged = 1
	}
	c.views.Install(snap, ClaimEntry{Ref: Speculative(localID), Item: speculative}, res, pledged)
	span.AddEvent("speculative.installed", trace.WithAttributes(attribute.String("claim.local_id", localID)))

	// The caller may still walk away before the commit is issued.
	if err := ctx.Err(); err != nil {
		c.views.Restore(snap)
		outcome = metrics.OutcomeAbandoned
		return nil, err
	}

	// Step 4: backend commit, detached from caller cancellation.
	commitCtx := context.WithoutCancel(ctx)
	if c.cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(commitCtx, c.cfg.CommitTimeout)
		defer cancel()
	}

	req := CommitRequest{ResourceID: res.ID, ClaimantID: in.ClaimantID, SelectedTimeSlot: speculative.SelectedTimeSlot}
	confirmed, commitErr := c.commit(commitCtx, res.Kind, req)
	if commitErr == nil && confirmed == nil {
		commitErr = errors.New("backend returned no claim")
	}

	if commitErr != nil {
		// Step 6: roll back and normalize.
		c.views.Restore(snap)
		outcome = metrics.OutcomeRolledBack

		ce := normalize(commitErr)
		if errors.Is(ce.Err, ErrSlotAlreadyBooked) && res.HasCalendar() {
			ce.Alternatives = c.alternatives(commitCtx, res)
		}
		metrics.RecordRollback(ce.Code())

		c.logger.Warn("claim rolled back",
			"resource_id", res.ID,
			"claimant_id", in.ClaimantID,
			"kind", res.Kind,
			"code", ce.Code(),
			"error", commitErr,
		)
		c.invalidate(res.ID, in.ClaimantID)
		if c.notifier != nil {
			c.notifier.ClaimRolledBack(res.ID, in.ClaimantID, ce)
		}
		return nil, ce
	}

	// Step 5: reconcile with the authoritative claim.
	item := confirmed.Clone()
	fillSnapshot(&item, speculative)
	entry := ClaimEntry{Ref: Confirmed(item.ID), Item: item}
	c.views.Commit(snap, entry)
	outcome = metrics.OutcomeCommitted

	c.logger.Info("claim committed",
		"claim_id", item.ID,
		"resource_id", res.ID,
		"claimant_id", in.ClaimantID,
		"status", item.Status,
	)
	c.invalidate(res.ID, in.ClaimantID)
	if c.notifier != nil {
		c.notifier.ClaimCommitted(item)
	}

	return &Outcome{Claim: item, Ref: entry.Ref, LocalID: localID}, nil
}

// UpdateStatus transitions a claim through the backend. The local view is
// updated optimistically and reverted if the backend refuses.
func (c *Coordinator) UpdateStatus(ctx context.Context, claimID string, status models.ClaimStatus) (*models.ClaimedItem, error) {
	ctx, span := tracer.Start(ctx, "claims.update_status", trace.WithAttributes(
		attribute.String("claim.id", claimID),
		attribute.String("claim.status", string(status)),
	))
	defer span.End()

	if !status.Valid() {
		metrics.RecordStatusUpdate(string(status), false)
		return nil, &ClaimError{Err: ErrInvalidStatus, Cause: fmt.Errorf("%w: %q", claim.ErrUnknownStatus, status)}
	}

	previous, known := c.views.FindClaim(claimID)
	if known {
		if previous.Ref.IsSpeculative() {
			return nil, &ClaimError{Err: ErrTransactionInFlight}
		}
		next, err := c.machine.Apply(previous.Item, status, c.detector.Now())
		if err != nil {
			metrics.RecordStatusUpdate(string(status), false)
			return nil, &ClaimError{Err: ErrInvalidStatus, Cause: err}
		}
		c.views.PutClaim(ClaimEntry{Ref: previous.Ref, Item: next})
	}

	updated, err := c.backend.UpdateClaimStatus(ctx, claimID, status)
	if err == nil && updated == nil {
		err = fmt.Errorf("%w: %s", ErrNotFound, claimID)
	}
	if err != nil {
		if known {
			c.views.PutClaim(previous)
		}
		metrics.RecordStatusUpdate(string(status), false)
		ce := normalize(err)
		span.RecordError(ce)
		span.SetStatus(codes.Error, ce.Error())
		return nil, ce
	}

	item := updated.Clone()
	c.views.PutClaim(ClaimEntry{Ref: Confirmed(item.ID), Item: item})
	metrics.RecordStatusUpdate(string(status), true)

	prevStatus := models.ClaimStatus("")
	if known {
		prevStatus = previous.Item.Status
	}
	c.logger.Info("claim status updated",
		"claim_id", item.ID,
		"previous", prevStatus,
		"status", item.Status,
	)
	c.invalidate(item.ResourceID, item.ClaimantID)
	if c.notifier != nil {
		c.notifier.ClaimStatusChanged(item, prevStatus)
	}

	return &item, nil
}

// prevalidate enforces slot selection rules before anything is installed.
func (c *Coordinator) prevalidate(ctx context.Context, in Intent) error {
	res := in.Resource
	if res.HasCalendar() && in.SelectedSlot == nil {
		return &ClaimError{Err: ErrSlotRequired}
	}
	if in.SelectedSlot == nil {
		return nil
	}

	approved, err := c.approvedClaims(ctx, in)
	if err != nil {
		return normalize(err)
	}

	if err := c.detector.ValidateSelection(res.Calendar, *in.SelectedSlot, approved); err != nil {
		ce := fromSelection(err)
		if errors.Is(ce.Err, ErrSlotAlreadyBooked) {
			ce.Alternatives = slot.AvailableSlots(res.Calendar, approved, c.detector.Now())
		}
		return ce
	}
	return nil
}

// approvedClaims returns the caller's view if it is fresh enough, otherwise
// refetches from the backend.
func (c *Coordinator) approvedClaims(ctx context.Context, in Intent) ([]models.ClaimedItem, error) {
	if !in.ApprovedAsOf.IsZero() && c.detector.Now().Sub(in.ApprovedAsOf) <= c.cfg.StalenessThreshold {
		return in.Approved, nil
	}

	approved, err := c.backend.FetchApprovedClaims(ctx, in.Resource.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching approved claims: %w", err)
	}
	return approved, nil
}

// alternatives re-classifies the calendar against fresh backend data.
func (c *Coordinator) alternatives(ctx context.Context, res models.Resource) []models.TimeSlot {
	approved, err := c.backend.FetchApprovedClaims(ctx, res.ID)
	if err != nil {
		c.logger.Warn("could not fetch approved claims for alternatives", "resource_id", res.ID, "error", err)
		return nil
	}
	return slot.AvailableSlots(res.Calendar, approved, c.detector.Now())
}

func (c *Coordinator) commit(ctx context.Context, kind models.ResourceKind, req CommitRequest) (*models.ClaimedItem, error) {
	if kind == models.KindVolunteerSlot {
		return c.backend.CommitVolunteerClaim(ctx, req)
	}
	return c.backend.CommitSwapOrFreecycleClaim(ctx, req)
}

func (c *Coordinator) invalidate(resourceID, claimantID string) {
	if c.invalidator != nil {
		c.invalidator.InvalidateClaim(resourceID, claimantID)
	}
}

// acquire reserves the (resource, claimant) pair for one transaction.
func (c *Coordinator) acquire(resourceID, claimantID string) (func(), bool) {
	key := resourceID + "\x00" + claimantID

	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()

	if _, busy := c.inflight[key]; busy {
		return nil, false
	}
	c.inflight[key] = struct{}{}

	return func() {
		c.inflightMu.Lock()
		delete(c.inflight, key)
		c.inflightMu.Unlock()
	}, true
}

// fillSnapshot copies claim-time fields the backend left empty.
func fillSnapshot(item *models.ClaimedItem, speculative models.ClaimedItem) {
	if item.ResourceID == "" {
		item.ResourceID = speculative.ResourceID
	}
	if item.ClaimantID == "" {
		item.ClaimantID = speculative.ClaimantID
	}
	if item.ResourceKind == "" {
		item.ResourceKind = speculative.ResourceKind
	}
	if item.ResourceTitle == "" {
		item.ResourceTitle = speculative.ResourceTitle
	}
	if item.ResourceDescription == "" {
		item.ResourceDescription = speculative.ResourceDescription
	}
	if item.ResourceLocation == "" {
		item.ResourceLocation = speculative.ResourceLocation
	}
	if item.ResourceOwnerID == "" {
		item.ResourceOwnerID = speculative.ResourceOwnerID
	}
	if item.ClaimedAt.IsZero() {
		item.ClaimedAt = speculative.ClaimedAt
	}
	if item.SelectedTimeSlot == nil && speculative.SelectedTimeSlot != nil {
		s := *speculative.SelectedTimeSlot
		item.SelectedTimeSlot = &s
	}
}
