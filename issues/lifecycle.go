package issues

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/media"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const imageFolder = "issues"

// Option customizes the Service
type Option func(*Service)

// WithImageStore sets the store used for issue photos
func WithImageStore(s media.Store) Option {
	return func(svc *Service) {
		if s != nil {
			svc.images = s
		}
	}
}

// WithActivitySink sets the sink used to emit issue events
func WithActivitySink(sink auth.ActivitySink) Option {
	return func(svc *Service) {
		if sink != nil {
			svc.activity = sink
		}
	}
}

// WithLogger overrides the logger
func WithLogger(logger auth.Logger) Option {
	return func(svc *Service) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(svc *Service) {
		if clock != nil {
			svc.now = clock
		}
	}
}

// WithStatusMachine replaces the default unconstrained status machine
func WithStatusMachine(sm *StatusMachine) Option {
	return func(svc *Service) {
		if sm != nil {
			svc.machine = sm
		}
	}
}

// WithStrictTransitions enables the forward only status graph on the
// default status machine
func WithStrictTransitions(enabled bool) Option {
	return func(svc *Service) {
		svc.strict = enabled
	}
}

// Service is the issue lifecycle. Every mutation re-reads the stored
// issue, evaluates the policy and only then writes.
type Service struct {
	store    Store
	machine  *StatusMachine
	images   media.Store
	activity auth.ActivitySink
	logger   auth.Logger
	now      func() time.Time
	strict   bool
}

// NewService returns a lifecycle service persisting through store
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		panic("ISSUES: service requires a Store")
	}

	svc := &Service{
		store:    store,
		images:   media.Discard{},
		activity: auth.ActivitySinkFunc(nil),
		logger:   nopLogger{},
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	if svc.machine == nil {
		smOpts := []StateMachineOption{
			WithStateMachineClock(svc.now),
			WithStateMachineActivitySink(svc.activity),
			WithStateMachineLogger(svc.logger),
		}
		if svc.strict {
			smOpts = append(smOpts, WithForwardOnlyTransitions())
		}
		svc.machine = NewStatusMachine(store, smOpts...)
	}

	return svc
}

// Create stores a new Open issue owned by principal
func (s *Service) Create(ctx context.Context, principal auth.Principal, msg CreateIssueMessage) (*Issue, error) {
	if principal.ID == uuid.Nil {
		return nil, auth.ErrMissingToken
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	tags := normalizeTags(msg.Tags)
	if len(tags) > maxTags {
		return nil, tooManyTags()
	}

	priority := Priority(msg.Priority)
	if priority == "" {
		priority = PriorityMedium
	}

	imageURL, err := s.storeImage(ctx, msg.Image)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	issue := &Issue{
		ID:          uuid.New(),
		Title:       strings.TrimSpace(msg.Title),
		Description: strings.TrimSpace(msg.Description),
		Category:    Category(msg.Category),
		Location:    strings.TrimSpace(msg.Location),
		Latitude:    msg.Latitude,
		Longitude:   msg.Longitude,
		Priority:    priority,
		Tags:        tags,
		ImageURL:    imageURL,
		Status:      StatusOpen,
		Upvotes:     0,
		UpvotedBy:   []uuid.UUID{},
		CreatedBy:   principal.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := s.store.Create(ctx, issue)
	if err != nil {
		return nil, internalError(err, "failed to create issue")
	}

	s.record(ctx, ActivityEventIssueCreated, principal, created, nil)
	return created, nil
}

// Get loads a single issue
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Issue, error) {
	issue, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrIssueNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, internalError(err, "failed to load issue")
	}
	return issue, nil
}

// List returns a filtered page of issues
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	q = q.Normalized()

	items, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, internalError(err, "failed to list issues")
	}

	return newPage(items, total, q), nil
}

// Mine lists the issues created by principal
func (s *Service) Mine(ctx context.Context, principal auth.Principal, q ListQuery) (*Page, error) {
	if principal.ID == uuid.Nil {
		return nil, auth.ErrMissingToken
	}
	q.CreatedBy = principal.ID.String()
	return s.List(ctx, q)
}

// Update overlays the fields present in msg. Status and assignee changes
// need the status permission; a status change goes through the machine.
func (s *Service) Update(ctx context.Context, principal auth.Principal, id uuid.UUID, msg UpdateIssueMessage) (*Issue, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var target *Status
	if msg.Status != nil {
		status, ok := ParseStatus(*msg.Status)
		if !ok {
			return nil, invalidStatus(*msg.Status)
		}
		target = &status
	}

	issue, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CanUpdate(principal, issue).Err(); err != nil {
		return nil, err
	}

	if msg.touchesAdminFields() {
		if err := CanChangeStatus(principal, issue).Err(); err != nil {
			return nil, err
		}
	}

	patch, err := s.buildPatch(ctx, msg)
	if err != nil {
		return nil, err
	}

	if target != nil {
		if issue, err = s.machine.Transition(ctx, principal, issue, *target); err != nil {
			return nil, err
		}
	}

	if !patch.IsEmpty() {
		patch.UpdatedAt = s.now().UTC()
		if issue, err = s.store.Update(ctx, id, patch); err != nil {
			if errors.Is(err, ErrIssueNotFound) {
				return nil, ErrIssueNotFound
			}
			return nil, internalError(err, "failed to update issue")
		}
	}

	s.record(ctx, ActivityEventIssueUpdated, principal, issue, nil)
	return issue, nil
}

// Delete removes an issue. Owners lose the right once the issue moved on
// from Open or received an upvote.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, id uuid.UUID) error {
	issue, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := CanDelete(principal, issue).Err(); err != nil {
		return err
	}

	deleted, err := s.store.Delete(ctx, id, !principal.IsAdmin())
	if err != nil {
		return internalError(err, "failed to delete issue")
	}

	if !deleted {
		// the issue changed between the read and the delete; decide again
		// against the current state
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := CanDelete(principal, current).Err(); err != nil {
			return err
		}
		return concurrentChange()
	}

	s.record(ctx, ActivityEventIssueDeleted, principal, issue, nil)
	return nil
}

// Upvote adds principal to the ledger and increments the counter
func (s *Service) Upvote(ctx context.Context, principal auth.Principal, id uuid.UUID) (*Issue, error) {
	issue, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CanUpvote(principal, issue).Err(); err != nil {
		return nil, err
	}

	updated, err := s.store.AddUpvote(ctx, id, principal.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyUpvoted):
			return nil, forbidden(DenyAlreadyUpvoted)
		case errors.Is(err, ErrIssueNotFound):
			return nil, ErrIssueNotFound
		}
		return nil, internalError(err, "failed to record upvote")
	}

	s.record(ctx, ActivityEventIssueUpvoted, principal, updated, map[string]any{
		"upvotes": updated.Upvotes,
	})
	return updated, nil
}

// ChangeStatus is the administrative status lever
func (s *Service) ChangeStatus(ctx context.Context, principal auth.Principal, id uuid.UUID, msg StatusMessage) (*Issue, error) {
	target, ok := ParseStatus(msg.Status)
	if !ok {
		return nil, invalidStatus(msg.Status)
	}

	issue, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CanChangeStatus(principal, issue).Err(); err != nil {
		return nil, err
	}

	return s.machine.Transition(ctx, principal, issue, target, WithTransitionReason(msg.Reason))
}

func (s *Service) buildPatch(ctx context.Context, msg UpdateIssueMessage) (Patch, error) {
	patch := Patch{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
	}

	if msg.Title != nil {
		v := strings.TrimSpace(*msg.Title)
		patch.Title = &v
	}
	if msg.Description != nil {
		v := strings.TrimSpace(*msg.Description)
		patch.Description = &v
	}
	if msg.Category != nil {
		v := Category(*msg.Category)
		patch.Category = &v
	}
	if msg.Location != nil {
		v := strings.TrimSpace(*msg.Location)
		patch.Location = &v
	}
	if msg.Priority != nil {
		v := Priority(*msg.Priority)
		patch.Priority = &v
	}
	if msg.Tags != nil {
		v := normalizeTags(*msg.Tags)
		if len(v) > maxTags {
			return Patch{}, tooManyTags()
		}
		patch.Tags = &v
	}
	if msg.AssignedTo != nil {
		v, err := uuid.Parse(*msg.AssignedTo)
		if err != nil {
			return Patch{}, goerrors.New("assignedTo must be a user id", goerrors.CategoryBadInput).
				WithCode(goerrors.CodeBadRequest)
		}
		patch.AssignedTo = &v
	}

	if msg.Image != nil {
		url, err := s.storeImage(ctx, msg.Image)
		if err != nil {
			return Patch{}, err
		}
		patch.ImageURL = &url
	}

	return patch, nil
}

func (s *Service) storeImage(ctx context.Context, file *media.File) (string, error) {
	if file == nil {
		return "", nil
	}
	if err := file.Validate(); err != nil {
		return "", err
	}
	url, err := s.images.Put(ctx, imageFolder, *file)
	if err != nil {
		return "", internalError(err, "failed to store issue image")
	}
	return url, nil
}

func (s *Service) record(ctx context.Context, eventType auth.ActivityEventType, principal auth.Principal, issue *Issue, metadata map[string]any) {
	recordActivity(ctx, s.activity, s.logger, auth.ActivityEvent{
		EventType:  eventType,
		Actor:      actorRef(principal),
		UserID:     principal.ID.String(),
		Metadata:   withIssueID(metadata, issue),
		OccurredAt: s.now(),
	})
}

func tooManyTags() error {
	return goerrors.New("an issue can carry at most 10 tags", goerrors.CategoryBadInput).
		WithCode(goerrors.CodeBadRequest)
}
