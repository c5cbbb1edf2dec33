package issues

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type issuesRepo struct {
	repo repository.Repository[*Issue]
	db   *bun.DB
	now  func() time.Time
}

var _ Store = (*issuesRepo)(nil)

// NewIssuesRepository returns a bun backed Store
func NewIssuesRepository(db *bun.DB) Store {
	repo := repository.NewRepository[*Issue](db, repository.ModelHandlers[*Issue]{
		NewRecord: func() *Issue { return &Issue{} },
		GetID: func(i *Issue) uuid.UUID {
			if i == nil {
				return uuid.Nil
			}
			return i.ID
		},
		SetID: func(i *Issue, id uuid.UUID) {
			if i != nil {
				i.ID = id
			}
		},
	})

	return &issuesRepo{
		repo: repo,
		db:   db,
		now:  time.Now,
	}
}

func (r *issuesRepo) Create(ctx context.Context, issue *Issue) (*Issue, error) {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.Tags == nil {
		issue.Tags = []string{}
	}

	if _, err := r.repo.Create(ctx, issue); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, issue.ID)
}

func (r *issuesRepo) GetByID(ctx context.Context, id uuid.UUID) (*Issue, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *issuesRepo) List(ctx context.Context, q ListQuery) ([]*Issue, int, error) {
	items := []*Issue{}
	total, err := r.db.NewSelect().
		Model(&items).
		Apply(withRelations).
		Apply(filterBy(q)).
		Apply(orderBy(q)).
		Limit(q.Limit).
		Offset(q.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}

	for _, item := range items {
		item.hydrate()
	}
	return items, total, nil
}

func (r *issuesRepo) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Issue, error) {
	q := r.update(r.db, patch.UpdatedAt).Where("?TableAlias.id = ?", id)

	if patch.Title != nil {
		q = q.Set("title = ?", *patch.Title)
	}
	if patch.Description != nil {
		q = q.Set("description = ?", *patch.Description)
	}
	if patch.Category != nil {
		q = q.Set("category = ?", *patch.Category)
	}
	if patch.Location != nil {
		q = q.Set("location = ?", *patch.Location)
	}
	if patch.Latitude != nil {
		q = q.Set("latitude = ?", *patch.Latitude)
	}
	if patch.Longitude != nil {
		q = q.Set("longitude = ?", *patch.Longitude)
	}
	if patch.Priority != nil {
		q = q.Set("priority = ?", *patch.Priority)
	}
	if patch.Tags != nil {
		raw, err := json.Marshal(*patch.Tags)
		if err != nil {
			return nil, err
		}
		q = q.Set("tags = ?", string(raw))
	}
	if patch.ImageURL != nil {
		q = q.Set("image_url = ?", *patch.ImageURL)
	}
	if patch.AssignedTo != nil {
		q = q.Set("assigned_to = ?", *patch.AssignedTo)
	}

	if err := expectRow(q.Exec(ctx)); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *issuesRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	res, err := r.update(r.db, time.Time{}).
		Set("status = ?", to).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *issuesRepo) AddUpvote(ctx context.Context, id, userID uuid.UUID) (*Issue, error) {
	var issue *Issue
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().
			Model(&IssueUpvote{IssueID: id, UserID: userID, CreatedAt: r.now().UTC()}).
			On("CONFLICT DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyUpvoted
		}

		if err := expectRow(r.update(tx, time.Time{}).
			Set("upvotes = upvotes + 1").
			Where("?TableAlias.id = ?", id).
			Exec(ctx)); err != nil {
			return err
		}

		issue, err = r.getByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

func (r *issuesRepo) Delete(ctx context.Context, id uuid.UUID, untouched bool) (bool, error) {
	deleted := false
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewDelete().
			Model((*Issue)(nil)).
			Where("id = ?", id)
		if untouched {
			q = q.Where("status = ?", StatusOpen).Where("upvotes = 0")
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.NewDelete().
			Model((*IssueUpvote)(nil)).
			Where("issue_id = ?", id).
			Exec(ctx); err != nil {
			return err
		}

		deleted = true
		return nil
	})
	return deleted, err
}

func (r *issuesRepo) getByID(ctx context.Context, db bun.IDB, id uuid.UUID) (*Issue, error) {
	record := &Issue{}
	err := db.NewSelect().
		Model(record).
		Apply(withRelations).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrIssueNotFound
		}
		return nil, err
	}
	record.hydrate()
	return record, nil
}

// update starts an UPDATE that always bumps updated_at. A zero at uses the
// repository clock.
func (r *issuesRepo) update(db bun.IDB, at time.Time) *bun.UpdateQuery {
	if at.IsZero() {
		at = r.now()
	}
	return db.NewUpdate().
		Model((*Issue)(nil)).
		Set("updated_at = ?", at.UTC())
}

func withRelations(q *bun.SelectQuery) *bun.SelectQuery {
	return q.
		Relation("Creator").
		Relation("Upvoters", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("created_at ASC")
		})
}

func filterBy(lq ListQuery) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		if lq.Status != "" {
			q = q.Where("?TableAlias.status = ?", lq.Status)
		}
		if lq.Category != "" {
			q = q.Where("?TableAlias.category = ?", lq.Category)
		}
		if id, ok := lq.createdByID(); ok {
			q = q.Where("?TableAlias.created_by = ?", id)
		}
		if lq.Search != "" {
			pattern := "%" + strings.ToLower(lq.Search) + "%"
			q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.
					Where("LOWER(?TableAlias.title) LIKE ?", pattern).
					WhereOr("LOWER(?TableAlias.description) LIKE ?", pattern).
					WhereOr("LOWER(?TableAlias.location) LIKE ?", pattern)
			})
		}
		return q
	}
}

func orderBy(lq ListQuery) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		switch Sort(lq.Sort) {
		case SortOldest:
			return q.OrderExpr("?TableAlias.created_at ASC")
		case SortUpvotes:
			return q.OrderExpr("?TableAlias.upvotes DESC").OrderExpr("?TableAlias.created_at DESC")
		default:
			return q.OrderExpr("?TableAlias.created_at DESC")
		}
	}
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIssueNotFound
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, ErrIssueNotFound) ||
		repository.IsRecordNotFound(err)
}
