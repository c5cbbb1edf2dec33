package issues

import (
	"context"

	"github.com/goliatone/go-civic/auth"
)

const (
	ActivityEventIssueCreated       auth.ActivityEventType = "issue.created"
	ActivityEventIssueUpdated       auth.ActivityEventType = "issue.updated"
	ActivityEventIssueDeleted       auth.ActivityEventType = "issue.deleted"
	ActivityEventIssueUpvoted       auth.ActivityEventType = "issue.upvoted"
	ActivityEventIssueStatusChanged auth.ActivityEventType = "issue.status_changed"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func actorRef(p auth.Principal) auth.ActorRef {
	return auth.ActorRef{
		ID:   p.ID.String(),
		Type: string(p.Role),
	}
}

func withIssueID(metadata map[string]any, issue *Issue) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if issue != nil {
		metadata["issue_id"] = issue.ID.String()
	}
	return metadata
}

func recordActivity(ctx context.Context, sink auth.ActivitySink, logger auth.Logger, event auth.ActivityEvent) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil {
		logger.Warn("activity sink error", "event", event.EventType, "error", err)
	}
}
