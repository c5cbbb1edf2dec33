package issues

import (
	"context"
	"time"

	"github.com/goliatone/go-civic/auth"
)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	metadata TransitionMetadata
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition event.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*StatusMachine)

// WithForwardOnlyTransitions restricts status changes to the forward
// edges Open -> In Progress -> Resolved -> Closed, allowing skips.
func WithForwardOnlyTransitions() StateMachineOption {
	return func(sm *StatusMachine) {
		sm.transitions = map[Status]map[Status]struct{}{
			StatusOpen: {
				StatusInProgress: {},
				StatusResolved:   {},
				StatusClosed:     {},
			},
			StatusInProgress: {
				StatusResolved: {},
				StatusClosed:   {},
			},
			StatusResolved: {
				StatusClosed: {},
			},
		}
	}
}

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *StatusMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the sink used to publish status events.
func WithStateMachineActivitySink(sink auth.ActivitySink) StateMachineOption {
	return func(sm *StatusMachine) {
		if sink != nil {
			sm.activity = sink
		}
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger auth.Logger) StateMachineOption {
	return func(sm *StatusMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// StatusMachine applies status changes. Without a transition table any
// status may follow any other.
type StatusMachine struct {
	store       Store
	transitions map[Status]map[Status]struct{}
	now         func() time.Time
	activity    auth.ActivitySink
	logger      auth.Logger
}

// NewStatusMachine returns a machine persisting through store
func NewStatusMachine(store Store, opts ...StateMachineOption) *StatusMachine {
	sm := &StatusMachine{
		store:    store,
		now:      time.Now,
		activity: auth.ActivitySinkFunc(nil),
		logger:   nopLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

// Strict reports whether a transition table is enforced
func (sm *StatusMachine) Strict() bool {
	return sm.transitions != nil
}

// CanTransition reports whether from -> to is an accepted edge. Writing
// the current status again is always accepted.
func (sm *StatusMachine) CanTransition(from, to Status) bool {
	if !to.IsValid() {
		return false
	}
	if from == to || sm.transitions == nil {
		return true
	}
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// Transition moves issue to target. The write is conditional on the status
// the caller loaded, so a concurrent change is reported instead of
// silently overwritten.
func (sm *StatusMachine) Transition(ctx context.Context, actor auth.Principal, issue *Issue, target Status, opts ...TransitionOption) (*Issue, error) {
	if !target.IsValid() {
		return nil, invalidStatus(string(target))
	}

	from := issue.Status
	if from == target {
		return issue, nil
	}

	if !sm.CanTransition(from, target) {
		return nil, invalidTransition(from, target)
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	ok, err := sm.store.UpdateStatus(ctx, issue.ID, from, target)
	if err != nil {
		return nil, internalError(err, "failed to update issue status")
	}
	if !ok {
		return nil, concurrentChange()
	}

	issue.Status = target
	issue.UpdatedAt = sm.now()

	metadata := map[string]any{
		"from": string(from),
		"to":   string(target),
	}
	if options.metadata.Reason != "" {
		metadata["reason"] = options.metadata.Reason
	}
	for k, v := range options.metadata.Metadata {
		metadata[k] = v
	}

	recordActivity(ctx, sm.activity, sm.logger, auth.ActivityEvent{
		EventType:  ActivityEventIssueStatusChanged,
		Actor:      actorRef(actor),
		UserID:     issue.CreatedBy.String(),
		Metadata:   withIssueID(metadata, issue),
		OccurredAt: sm.now(),
	})

	return issue, nil
}
