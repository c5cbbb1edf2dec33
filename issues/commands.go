package issues

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-civic/media"
	goerrors "github.com/goliatone/go-errors"
)

const maxTags = 10

// CreateIssueMessage is the report payload. Status, upvotes and owner are
// never read from the client.
type CreateIssueMessage struct {
	Title       string      `json:"title" form:"title"`
	Description string      `json:"description" form:"description"`
	Category    string      `json:"category" form:"category"`
	Location    string      `json:"location" form:"location"`
	Latitude    *float64    `json:"latitude" form:"latitude"`
	Longitude   *float64    `json:"longitude" form:"longitude"`
	Priority    string      `json:"priority" form:"priority"`
	Tags        []string    `json:"tags" form:"tags"`
	Image       *media.File `json:"-" form:"-"`
}

func (e CreateIssueMessage) Type() string { return "issue.create" }

// Validate will run validation rules
func (e CreateIssueMessage) Validate() error {
	return validatePayload("invalid issue payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.Title, validation.Required, validation.Length(3, 120)),
			validation.Field(&e.Description, validation.Required, validation.Length(10, 5000)),
			validation.Field(&e.Category, validation.Required, validation.In(categoryValues()...)),
			validation.Field(&e.Location, validation.Required, validation.Length(1, 300)),
			validation.Field(&e.Latitude, validation.Min(-90.0), validation.Max(90.0)),
			validation.Field(&e.Longitude, validation.Min(-180.0), validation.Max(180.0)),
			validation.Field(&e.Priority, validation.In(priorityValues()...)),
			validation.Field(&e.Tags, validation.Length(0, maxTags)),
		)
	})
}

// UpdateIssueMessage is a partial update. Status and AssignedTo are
// administrative fields.
type UpdateIssueMessage struct {
	Title       *string     `json:"title" form:"title"`
	Description *string     `json:"description" form:"description"`
	Category    *string     `json:"category" form:"category"`
	Location    *string     `json:"location" form:"location"`
	Latitude    *float64    `json:"latitude" form:"latitude"`
	Longitude   *float64    `json:"longitude" form:"longitude"`
	Priority    *string     `json:"priority" form:"priority"`
	Tags        *[]string   `json:"tags" form:"tags"`
	Status      *string     `json:"status" form:"status"`
	AssignedTo  *string     `json:"assignedTo" form:"assignedTo"`
	Image       *media.File `json:"-" form:"-"`
}

func (e UpdateIssueMessage) Type() string { return "issue.update" }

// Validate will run validation rules
func (e UpdateIssueMessage) Validate() error {
	return validatePayload("invalid issue payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.Title, validation.NilOrNotEmpty, validation.Length(3, 120)),
			validation.Field(&e.Description, validation.NilOrNotEmpty, validation.Length(10, 5000)),
			validation.Field(&e.Category, validation.NilOrNotEmpty, validation.In(categoryValues()...)),
			validation.Field(&e.Location, validation.NilOrNotEmpty, validation.Length(1, 300)),
			validation.Field(&e.Latitude, validation.Min(-90.0), validation.Max(90.0)),
			validation.Field(&e.Longitude, validation.Min(-180.0), validation.Max(180.0)),
			validation.Field(&e.Priority, validation.NilOrNotEmpty, validation.In(priorityValues()...)),
			validation.Field(&e.Tags, validation.Length(0, maxTags)),
			validation.Field(&e.AssignedTo, validation.NilOrNotEmpty, is.UUID),
		)
	})
}

// touchesAdminFields reports whether the update sets status or assignee
func (e UpdateIssueMessage) touchesAdminFields() bool {
	return e.Status != nil || e.AssignedTo != nil
}

// StatusMessage is the admin status change payload
type StatusMessage struct {
	Status string `json:"status" form:"status"`
	Reason string `json:"reason" form:"reason"`
}

func (e StatusMessage) Type() string { return "issue.status" }

func validatePayload(msg string, rules func() error) error {
	if err := goerrors.ValidateWithOzzo(rules, msg); err != nil {
		return err.WithCode(goerrors.CodeBadRequest)
	}
	return nil
}

// normalizeTags trims, lower cases and de-duplicates tags. A single
// comma separated value, as sent by simple forms, is split.
func normalizeTags(tags []string) []string {
	if len(tags) == 1 && strings.Contains(tags[0], ",") {
		tags = strings.Split(tags[0], ",")
	}

	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func priorityValues() []any {
	return []any{string(PriorityLow), string(PriorityMedium), string(PriorityHigh)}
}
