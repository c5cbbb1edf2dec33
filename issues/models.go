package issues

import (
	"strings"
	"time"

	"github.com/goliatone/go-civic/auth"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Status is the workflow state of an issue
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
	StatusClosed     Status = "Closed"
)

// IsValid checks if the status is one of the four workflow states
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// AllStatuses returns the workflow states in order
func AllStatuses() []Status {
	return []Status{StatusOpen, StatusInProgress, StatusResolved, StatusClosed}
}

// ParseStatus matches raw against the workflow states ignoring case and
// surrounding space.
func ParseStatus(raw string) (Status, bool) {
	raw = strings.TrimSpace(raw)
	for _, s := range AllStatuses() {
		if strings.EqualFold(string(s), raw) {
			return s, true
		}
	}
	return Status(raw), false
}

// Category classifies the reported problem
type Category string

const (
	CategoryRoads        Category = "roads"
	CategorySanitation   Category = "sanitation"
	CategoryWater        Category = "water"
	CategoryElectricity  Category = "electricity"
	CategoryStreetlights Category = "streetlights"
	CategoryPublicSafety Category = "public_safety"
	CategoryParks        Category = "parks"
	CategoryOther        Category = "other"
)

// AllCategories returns the accepted categories
func AllCategories() []Category {
	return []Category{
		CategoryRoads,
		CategorySanitation,
		CategoryWater,
		CategoryElectricity,
		CategoryStreetlights,
		CategoryPublicSafety,
		CategoryParks,
		CategoryOther,
	}
}

// Priority is free-form triage classification
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Issue is a reported municipal problem
type Issue struct {
	bun.BaseModel `bun:"table:issues,alias:iss"`

	ID          uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	Title       string     `bun:"title,notnull" json:"title"`
	Description string     `bun:"description,notnull" json:"description"`
	Category    Category   `bun:"category,notnull" json:"category"`
	Location    string     `bun:"location,notnull" json:"location"`
	Latitude    *float64   `bun:"latitude" json:"latitude,omitempty"`
	Longitude   *float64   `bun:"longitude" json:"longitude,omitempty"`
	Status      Status     `bun:"status,notnull" json:"status"`
	Priority    Priority   `bun:"priority,notnull" json:"priority"`
	Tags        []string   `bun:"tags,type:jsonb" json:"tags"`
	ImageURL    string     `bun:"image_url" json:"imageUrl,omitempty"`
	CreatedBy   uuid.UUID  `bun:"created_by,notnull,type:uuid" json:"createdBy"`
	AssignedTo  *uuid.UUID `bun:"assigned_to,type:uuid" json:"assignedTo,omitempty"`
	Upvotes     int        `bun:"upvotes,notnull" json:"upvotes"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`

	Creator   *auth.User    `bun:"rel:belongs-to,join:created_by=id" json:"-"`
	Upvoters  []IssueUpvote `bun:"rel:has-many,join:id=issue_id" json:"-"`
	UpvotedBy []uuid.UUID   `bun:"-" json:"upvotedBy"`
	Reporter  *Reporter     `bun:"-" json:"creator,omitempty"`
}

// IssueUpvote is one row of the upvote ledger. (issue_id, user_id) is
// unique so a user appears at most once per issue.
type IssueUpvote struct {
	bun.BaseModel `bun:"table:issue_upvotes,alias:upv"`

	IssueID   uuid.UUID `bun:"issue_id,pk,type:uuid" json:"issueId"`
	UserID    uuid.UUID `bun:"user_id,pk,type:uuid" json:"userId"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// Reporter is the public summary of the user that created an issue
type Reporter struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"fullName"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
}

// IsOwnedBy reports whether id created the issue
func (i *Issue) IsOwnedBy(id uuid.UUID) bool {
	return i != nil && id != uuid.Nil && i.CreatedBy == id
}

// HasUpvoteFrom reports whether id is in the upvote ledger
func (i *Issue) HasUpvoteFrom(id uuid.UUID) bool {
	if i == nil {
		return false
	}
	for _, voter := range i.UpvotedBy {
		if voter == id {
			return true
		}
	}
	return false
}

// hydrate fills the derived fields from loaded relations
func (i *Issue) hydrate() {
	if i == nil {
		return
	}

	if i.Upvoters != nil || i.UpvotedBy == nil {
		voters := make([]uuid.UUID, 0, len(i.Upvoters))
		for _, u := range i.Upvoters {
			voters = append(voters, u.UserID)
		}
		i.UpvotedBy = voters
	}

	if i.Tags == nil {
		i.Tags = []string{}
	}

	if i.Creator != nil {
		i.Reporter = &Reporter{
			ID:        i.Creator.ID,
			FullName:  i.Creator.FullName,
			AvatarURL: i.Creator.AvatarURL,
		}
	}
}
