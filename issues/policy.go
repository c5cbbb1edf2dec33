package issues

import (
	"github.com/goliatone/go-civic/auth"
)

// DenyReason explains a negative policy decision
type DenyReason string

const (
	DenyNone           DenyReason = ""
	DenyUnauthorized   DenyReason = "not_owner"
	DenyInProgress     DenyReason = "already_processed"
	DenyHasEngagement  DenyReason = "has_engagement"
	DenyAdminOnly      DenyReason = "admin_only"
	DenyAdminUpvote    DenyReason = "admin_upvote"
	DenyAlreadyUpvoted DenyReason = "already_upvoted"
)

var denyMessages = map[DenyReason]string{
	DenyUnauthorized:   "not authorized to modify this issue",
	DenyInProgress:     "cannot delete an issue that is already being processed",
	DenyHasEngagement:  "cannot delete an issue that has received upvotes",
	DenyAdminOnly:      "only administrators can change an issue's status",
	DenyAdminUpvote:    "administrators cannot upvote issues",
	DenyAlreadyUpvoted: "you have already upvoted this issue",
}

// Message is the client facing text for the reason
func (r DenyReason) Message() string {
	if msg, ok := denyMessages[r]; ok {
		return msg
	}
	return "forbidden"
}

// Decision is the outcome of a policy check
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Err converts a deny into a Forbidden error; an allow yields nil
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return forbidden(d.Reason)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// CanUpdate allows the creator or an admin
func CanUpdate(p auth.Principal, issue *Issue) Decision {
	if p.IsAdmin() || issue.IsOwnedBy(p.ID) {
		return allow()
	}
	return deny(DenyUnauthorized)
}

// CanDelete always allows admins. An owner may delete only while the issue
// is Open and nobody has upvoted it.
func CanDelete(p auth.Principal, issue *Issue) Decision {
	if p.IsAdmin() {
		return allow()
	}
	if !issue.IsOwnedBy(p.ID) {
		return deny(DenyUnauthorized)
	}
	if issue.Status != StatusOpen {
		return deny(DenyInProgress)
	}
	if issue.Upvotes > 0 {
		return deny(DenyHasEngagement)
	}
	return allow()
}

// CanChangeStatus allows admins only
func CanChangeStatus(p auth.Principal, _ *Issue) Decision {
	if p.IsAdmin() {
		return allow()
	}
	return deny(DenyAdminOnly)
}

// CanUpvote allows non admins that have not upvoted the issue yet
func CanUpvote(p auth.Principal, issue *Issue) Decision {
	if p.IsAdmin() {
		return deny(DenyAdminUpvote)
	}
	if issue.HasUpvoteFrom(p.ID) {
		return deny(DenyAlreadyUpvoted)
	}
	return allow()
}
