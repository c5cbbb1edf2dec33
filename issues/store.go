package issues

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists issues and the upvote ledger. Every mutation that guards
// on current state is a single conditional statement or transaction so
// concurrent requests cannot break the ledger invariant.
type Store interface {
	Create(ctx context.Context, issue *Issue) (*Issue, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Issue, error)
	List(ctx context.Context, q ListQuery) ([]*Issue, int, error)

	// Update applies the non nil fields of patch
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*Issue, error)
	// UpdateStatus writes to only while the stored status still equals from
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	// AddUpvote inserts the ledger row and increments the counter in one
	// transaction. A duplicate pair yields ErrAlreadyUpvoted.
	AddUpvote(ctx context.Context, id, userID uuid.UUID) (*Issue, error)
	// Delete removes the issue and its ledger. With untouched set the row
	// is only removed while it is Open with zero upvotes.
	Delete(ctx context.Context, id uuid.UUID, untouched bool) (bool, error)
}

// Patch is a partial issue update. Nil fields are left untouched.
type Patch struct {
	Title       *string
	Description *string
	Category    *Category
	Location    *string
	Latitude    *float64
	Longitude   *float64
	Priority    *Priority
	Tags        *[]string
	ImageURL    *string
	AssignedTo  *uuid.UUID
	UpdatedAt   time.Time
}

// IsEmpty reports whether the patch carries no fields
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil &&
		p.Location == nil && p.Latitude == nil && p.Longitude == nil &&
		p.Priority == nil && p.Tags == nil && p.ImageURL == nil &&
		p.AssignedTo == nil
}
