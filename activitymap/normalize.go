// Package activitymap turns auth and issue activity events into a single
// record shape for audit logs and downstream consumers.
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-civic/auth"
)

const (
	// MetadataKeyActorType stores the actor type derived from auth.ActorRef.Type
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromStatus stores the source status of an issue transition
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the target status of an issue transition
	MetadataKeyToStatus = "to_status"
)

const (
	ChannelAuth   = "auth"
	ChannelIssues = "issues"

	ObjectUser  = "user"
	ObjectIssue = "issue"

	defaultActorID = "system"
	issuePrefix    = "issue."
	issueIDKey     = "issue_id"
)

// Normalized is a transport agnostic activity record
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization
type Option func(*normalizeOptions)

type normalizeOptions struct {
	actorFallback string
	now           func() time.Time
}

// WithActorFallback sets the actor id used when the event carries none
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithClock sets the clock used for events without a timestamp
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// Normalize converts an activity event into a Normalized record. Issue
// events (issue.*) are filed under the issues channel with the issue as
// object; everything else is an auth event about the user.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		actorFallback: defaultActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	out := Normalized{
		ActorID: firstNonEmpty(
			strings.TrimSpace(event.Actor.ID),
			strings.TrimSpace(event.UserID),
			options.actorFallback,
		),
		Verb:       string(event.EventType),
		Channel:    ChannelAuth,
		ObjectType: ObjectUser,
		ObjectID:   strings.TrimSpace(event.UserID),
		Metadata:   normalizeMetadata(event),
		OccurredAt: event.OccurredAt.UTC(),
	}

	if strings.HasPrefix(out.Verb, issuePrefix) {
		out.Channel = ChannelIssues
		out.ObjectType = ObjectIssue
		out.ObjectID = issueID(event.Metadata)
	}

	if event.OccurredAt.IsZero() {
		out.OccurredAt = options.now().UTC()
	}

	return out
}

// NewSink returns an ActivitySink that normalizes every event and writes
// it to logger.
func NewSink(logger auth.Logger, opts ...Option) auth.ActivitySink {
	return auth.ActivitySinkFunc(func(_ context.Context, event auth.ActivityEvent) error {
		rec := Normalize(event, opts...)
		logger.Info("activity",
			"verb", rec.Verb,
			"channel", rec.Channel,
			"actor_id", rec.ActorID,
			"object_type", rec.ObjectType,
			"object_id", rec.ObjectID,
			"metadata", rec.Metadata,
			"occurred_at", rec.OccurredAt,
		)
		return nil
	})
}

func normalizeMetadata(event auth.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)

	set := func(key string, value any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := metadata[MetadataKeyActorType]; !exists {
			set(MetadataKeyActorType, actorType)
		}
	}

	// status transitions record from/to
	if from, ok := metadata["from"]; ok {
		delete(metadata, "from")
		set(MetadataKeyFromStatus, from)
	}
	if to, ok := metadata["to"]; ok {
		delete(metadata, "to")
		set(MetadataKeyToStatus, to)
	}

	delete(metadata, issueIDKey)
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func issueID(metadata map[string]any) string {
	if id, ok := metadata[issueIDKey].(string); ok {
		return strings.TrimSpace(id)
	}
	return ""
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
