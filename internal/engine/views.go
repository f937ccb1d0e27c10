package engine

import (
	"sort"
	"sync"

	"github.com/slot-claims/backend/internal/storage/models"
)

// ClaimRef identifies a claim in the claims view. Speculative entries are
// keyed by a locally generated ID, confirmed ones by the backend's ID.
type ClaimRef struct {
	LocalID  string `json:"local_id,omitempty"`
	ServerID string `json:"server_id,omitempty"`
}

// Speculative returns a reference to a locally installed claim.
func Speculative(localID string) ClaimRef {
	return ClaimRef{LocalID: localID}
}

// Confirmed returns a reference to a backend-confirmed claim.
func Confirmed(serverID string) ClaimRef {
	return ClaimRef{ServerID: serverID}
}

// IsSpeculative returns true for locally installed claims.
func (r ClaimRef) IsSpeculative() bool {
	return r.ServerID == ""
}

func (r ClaimRef) String() string {
	if r.IsSpeculative() {
		return "local:" + r.LocalID
	}
	return "server:" + r.ServerID
}

// ClaimEntry is one row of a claimant's claims view.
type ClaimEntry struct {
	Ref  ClaimRef           `json:"ref"`
	Item models.ClaimedItem `json:"item"`
}

func (e ClaimEntry) clone() ClaimEntry {
	return ClaimEntry{Ref: e.Ref, Item: e.Item.Clone()}
}

// Snapshot is the pre-transaction state of the views one transaction mutates.
// It is owned by that transaction and must not be shared.
type Snapshot struct {
	claimantID string
	resourceID string

	claims        []ClaimEntry
	claimsVersion uint64

	listing        models.Resource
	hasListing     bool
	listingVersion uint64

	// mutations applied by the owning transaction since the snapshot
	claimMutations   uint64
	listingMutations uint64
	installed        *ClaimRef
	pledgedDelta     int
}

// Views holds the transient read-views the coordinator mutates speculatively.
// Implementations must be safe for concurrent use.
type Views interface {
	Snapshot(claimantID, resourceID string) *Snapshot
	Install(snap *Snapshot, entry ClaimEntry, listing models.Resource, pledgedDelta int)
	Commit(snap *Snapshot, entry ClaimEntry)
	Restore(snap *Snapshot)

	FindClaim(claimID string) (ClaimEntry, bool)
	PutClaim(entry ClaimEntry)
	Claims(claimantID string) []ClaimEntry
	Listing(resourceID string) (models.Resource, bool)
	Listings() []models.Resource

	SetClaims(claimantID string, items []models.ClaimedItem)
	SetListings(resources []models.Resource)
}

type claimsView struct {
	entries []ClaimEntry
	version uint64
}

type listingView struct {
	resource models.Resource
	version  uint64
}

// MemoryViews is the in-process Views implementation.
type MemoryViews struct {
	mu       sync.Mutex
	claims   map[string]*claimsView  // by claimant
	listings map[string]*listingView // by resource

	// pledge increments installed but not yet committed, per resource
	pendingPledges map[string]int
}

// NewMemoryViews creates empty views.
func NewMemoryViews() *MemoryViews {
	return &MemoryViews{
		claims:         make(map[string]*claimsView),
		listings:       make(map[string]*listingView),
		pendingPledges: make(map[string]int),
	}
}

// Snapshot copies the claimant's claims view and the resource's listing.
func (v *MemoryViews) Snapshot(claimantID, resourceID string) *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := &Snapshot{claimantID: claimantID, resourceID: resourceID}
	if cv, ok := v.claims[claimantID]; ok {
		snap.claims = cloneEntries(cv.entries)
		snap.claimsVersion = cv.version
	}
	if lv, ok := v.listings[resourceID]; ok {
		snap.listing = lv.resource.Clone()
		snap.hasListing = true
		snap.listingVersion = lv.version
	}
	return snap
}

// Install adds a speculative entry and applies a pledged-slot delta. When the
// listing is not in view yet the caller's copy of the resource is installed.
func (v *MemoryViews) Install(snap *Snapshot, entry ClaimEntry, listing models.Resource, pledgedDelta int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.claimsFor(snap.claimantID)
	cv.entries = append([]ClaimEntry{entry.clone()}, cv.entries...)
	cv.version++
	snap.claimMutations++
	ref := entry.Ref
	snap.installed = &ref

	if pledgedDelta == 0 {
		return
	}
	lv, ok := v.listings[snap.resourceID]
	if !ok {
		lv = &listingView{resource: listing.Clone()}
		v.listings[snap.resourceID] = lv
	}
	lv.resource.PledgedSlots += pledgedDelta
	lv.version++
	snap.listingMutations++
	snap.pledgedDelta = pledgedDelta
	v.pendingPledges[snap.resourceID] += pledgedDelta
}

// Commit replaces the speculative entry with the confirmed one and discards
// the snapshot's pending pledge, which the backend now accounts for.
func (v *MemoryViews) Commit(snap *Snapshot, entry ClaimEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.claimsFor(snap.claimantID)
	// a refresh may already have brought in the confirmed row
	cv.entries = removeEntry(cv.entries, entry.Ref)
	replaced := false
	if snap.installed != nil {
		for i := range cv.entries {
			if cv.entries[i].Ref == *snap.installed {
				cv.entries[i] = entry.clone()
				replaced = true
				break
			}
		}
	}
	if !replaced {
		cv.entries = upsertEntry(cv.entries, entry.clone())
	}
	cv.version++

	if snap.pledgedDelta != 0 {
		v.settlePending(snap.resourceID, snap.pledgedDelta)
	}
	snap.installed = nil
	snap.pledgedDelta = 0
}

// Restore undoes the owning transaction. If nothing else touched the views
// since the snapshot they are restored verbatim; otherwise only this
// transaction's own mutations are compensated so concurrent transactions
// on the same views survive.
func (v *MemoryViews) Restore(snap *Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.claimMutations > 0 {
		cv := v.claimsFor(snap.claimantID)
		if cv.version == snap.claimsVersion+snap.claimMutations {
			cv.entries = cloneEntries(snap.claims)
			cv.version++
		} else if snap.installed != nil {
			cv.entries = removeEntry(cv.entries, *snap.installed)
			cv.version++
		}
		if snap.claims == nil && len(cv.entries) == 0 && snap.claimsVersion == 0 {
			delete(v.claims, snap.claimantID)
		}
	}

	if snap.listingMutations > 0 {
		lv, ok := v.listings[snap.resourceID]
		switch {
		case ok && lv.version == snap.listingVersion+snap.listingMutations:
			if snap.hasListing {
				lv.resource = snap.listing.Clone()
				lv.version++
			} else {
				delete(v.listings, snap.resourceID)
			}
		case ok:
			lv.resource.PledgedSlots -= snap.pledgedDelta
			lv.version++
		}
		v.settlePending(snap.resourceID, snap.pledgedDelta)
	}

	snap.installed = nil
	snap.pledgedDelta = 0
	snap.claimMutations = 0
	snap.listingMutations = 0
}

// FindClaim looks up a claim by backend or local ID across all claimants.
func (v *MemoryViews) FindClaim(claimID string) (ClaimEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, cv := range v.claims {
		for _, e := range cv.entries {
			if e.Ref.ServerID == claimID || e.Ref.LocalID == claimID || e.Item.ID == claimID {
				return e.clone(), true
			}
		}
	}
	return ClaimEntry{}, false
}

// PutClaim inserts or replaces an entry by reference.
func (v *MemoryViews) PutClaim(entry ClaimEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.claimsFor(entry.Item.ClaimantID)
	cv.entries = upsertEntry(cv.entries, entry.clone())
	cv.version++
}

// Claims returns a copy of a claimant's claims view.
func (v *MemoryViews) Claims(claimantID string) []ClaimEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cv, ok := v.claims[claimantID]; ok {
		return cloneEntries(cv.entries)
	}
	return nil
}

// Listing returns a copy of one resource listing.
func (v *MemoryViews) Listing(resourceID string) (models.Resource, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if lv, ok := v.listings[resourceID]; ok {
		return lv.resource.Clone(), true
	}
	return models.Resource{}, false
}

// Listings returns copies of all listings ordered by creation, newest first.
func (v *MemoryViews) Listings() []models.Resource {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]models.Resource, 0, len(v.listings))
	for _, lv := range v.listings {
		out = append(out, lv.resource.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SetClaims replaces a claimant's view with backend data, keeping speculative
// entries of transactions that are still in flight.
func (v *MemoryViews) SetClaims(claimantID string, items []models.ClaimedItem) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cv := v.claimsFor(claimantID)
	var speculative []ClaimEntry
	for _, e := range cv.entries {
		if e.Ref.IsSpeculative() {
			speculative = append(speculative, e)
		}
	}

	entries := make([]ClaimEntry, 0, len(speculative)+len(items))
	entries = append(entries, speculative...)
	for _, item := range items {
		entries = append(entries, ClaimEntry{Ref: Confirmed(item.ID), Item: item.Clone()})
	}
	cv.entries = entries
	cv.version++
}

// SetListings replaces all listings with backend data. Pledges of in-flight
// transactions are re-applied on top.
func (v *MemoryViews) SetListings(resources []models.Resource) {
	v.mu.Lock()
	defer v.mu.Unlock()

	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		seen[r.ID] = true
		res := r.Clone()
		res.PledgedSlots += v.pendingPledges[r.ID]

		lv, ok := v.listings[r.ID]
		if !ok {
			v.listings[r.ID] = &listingView{resource: res, version: 1}
			continue
		}
		lv.resource = res
		lv.version++
	}

	for id := range v.listings {
		if !seen[id] && v.pendingPledges[id] == 0 {
			delete(v.listings, id)
		}
	}
}

func (v *MemoryViews) claimsFor(claimantID string) *claimsView {
	cv, ok := v.claims[claimantID]
	if !ok {
		cv = &claimsView{}
		v.claims[claimantID] = cv
	}
	return cv
}

func (v *MemoryViews) settlePending(resourceID string, delta int) {
	v.pendingPledges[resourceID] -= delta
	if v.pendingPledges[resourceID] == 0 {
		delete(v.pendingPledges, resourceID)
	}
}

func cloneEntries(in []ClaimEntry) []ClaimEntry {
	if in == nil {
		return nil
	}
	out := make([]ClaimEntry, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}

func upsertEntry(entries []ClaimEntry, entry ClaimEntry) []ClaimEntry {
	for i := range entries {
		if entries[i].Ref == entry.Ref {
			entries[i] = entry
			return entries
		}
	}
	return append([]ClaimEntry{entry}, entries...)
}

func removeEntry(entries []ClaimEntry, ref ClaimRef) []ClaimEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Ref != ref {
			out = append(out, e)
		}
	}
	return out
}
