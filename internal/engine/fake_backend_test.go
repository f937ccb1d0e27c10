package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

// fakeBackend is an in-memory ledger that enforces one occupying claim per
// (resource, slot) the way a real backend would.
type fakeBackend struct {
	mu        sync.Mutex
	resources map[string]models.Resource
	claims    []models.ClaimedItem
	nextID    int

	// commitGate, when set, blocks commits until it is closed.
	commitGate chan struct{}
	// commitErr, when set, is returned by every commit.
	commitErr error
	// fetchErr, when set, is returned by FetchApprovedClaims.
	fetchErr error

	commits      int
	approvedHits int
}

func newFakeBackend(resources ...models.Resource) *fakeBackend {
	b := &fakeBackend{resources: make(map[string]models.Resource)}
	for _, r := range resources {
		b.resources[r.ID] = r
	}
	return b
}

func (b *fakeBackend) wait(ctx context.Context) error {
	if b.commitGate == nil {
		return nil
	}
	select {
	case <-b.commitGate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) insert(req CommitRequest, status models.ClaimStatus) (*models.ClaimedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++

	if b.commitErr != nil {
		return nil, b.commitErr
	}

	res, ok := b.resources[req.ResourceID]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", req.ResourceID, ErrNotFound)
	}

	if req.SelectedTimeSlot != nil {
		for _, c := range b.claims {
			if c.ResourceID == req.ResourceID && c.Status.Occupies() &&
				c.SelectedTimeSlot != nil && c.SelectedTimeSlot.Equal(*req.SelectedTimeSlot) {
				return nil, fmt.Errorf("slot %s: %w", req.SelectedTimeSlot.Key(), ErrBackendConflict)
			}
		}
	}

	if status == models.ClaimStatusApproved && res.IsFull() {
		return nil, fmt.Errorf("resource full: %w", ErrBackendConflict)
	}

	b.nextID++
	item := models.ClaimedItem{
		ID:         fmt.Sprintf("srv-%d", b.nextID),
		ClaimantID: req.ClaimantID,
		Status:     status,
		ClaimedAt:  time.Now().UTC(),
	}
	item.SnapshotResource(&res)
	if req.SelectedTimeSlot != nil {
		s := *req.SelectedTimeSlot
		item.SelectedTimeSlot = &s
	}
	if status == models.ClaimStatusApproved {
		res.PledgedSlots++
		b.resources[res.ID] = res
	}
	b.claims = append(b.claims, item)
	out := item.Clone()
	return &out, nil
}

func (b *fakeBackend) CommitVolunteerClaim(ctx context.Context, req CommitRequest) (*models.ClaimedItem, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.insert(req, models.ClaimStatusApproved)
}

func (b *fakeBackend) CommitSwapOrFreecycleClaim(ctx context.Context, req CommitRequest) (*models.ClaimedItem, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.insert(req, models.ClaimStatusPendingApproval)
}

func (b *fakeBackend) UpdateClaimStatus(ctx context.Context, claimID string, status models.ClaimStatus) (*models.ClaimedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.claims {
		if b.claims[i].ID != claimID {
			continue
		}
		b.claims[i].Status = status
		if status == models.ClaimStatusCompleted {
			now := time.Now().UTC()
			b.claims[i].CompletedAt = &now
		}
		out := b.claims[i].Clone()
		return &out, nil
	}
	return nil, fmt.Errorf("claim %s: %w", claimID, ErrNotFound)
}

func (b *fakeBackend) FetchApprovedClaims(ctx context.Context, resourceID string) ([]models.ClaimedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approvedHits++

	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	var out []models.ClaimedItem
	for _, c := range b.claims {
		if c.ResourceID == resourceID && c.Status.Occupies() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (b *fakeBackend) FetchResourceListings(ctx context.Context) ([]models.Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Resource, 0, len(b.resources))
	for _, r := range b.resources {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (b *fakeBackend) FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.ClaimedItem
	for _, c := range b.claims {
		if c.ClaimantID == claimantID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// recordingInvalidator remembers which pairs were invalidated.
type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) InvalidateClaim(resourceID, claimantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resourceID+"/"+claimantID)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
