package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

// Users is the credential store. Token mutations are conditional updates so
// that single-use semantics hold when requests race.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Register(ctx context.Context, user *User) (*User, error)

	SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error
	SwapRefreshToken(ctx context.Context, id uuid.UUID, current, next string) (bool, error)

	SetVerificationToken(ctx context.Context, id uuid.UUID, digest string) error
	ConsumeVerificationToken(ctx context.Context, digest string) (*User, error)

	SetPasswordResetToken(ctx context.Context, id uuid.UUID, digest string, expires time.Time) error
	GetByPasswordResetToken(ctx context.Context, digest string, now time.Time) (*User, error)
	ConsumePasswordResetToken(ctx context.Context, digest string, now time.Time, hashes PasswordHashes) (*User, error)

	UpdatePassword(ctx context.Context, id uuid.UUID, hashes PasswordHashes) error
	UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*User, error)
}

// ProfileUpdate holds the account fields a user may change. Nil fields are
// left untouched.
type ProfileUpdate struct {
	FullName  *string
	Phone     *string
	AvatarURL *string
}

// IsEmpty reports whether the update carries no fields
func (p ProfileUpdate) IsEmpty() bool {
	return p.FullName == nil && p.Phone == nil && p.AvatarURL == nil
}

type users struct {
	repo repository.Repository[*User]
	db   *bun.DB
	now  func() time.Time
}

var _ Users = (*users)(nil)

// NewUsersRepository returns a bun backed Users store
func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
	})

	return &users{
		repo: repo,
		db:   db,
		now:  time.Now,
	}
}

func (r *users) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := r.repo.GetByID(ctx, id.String())
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.selectOne(ctx, r.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.email = ?", NormalizeEmail(email))
	})
}

func (r *users) Register(ctx context.Context, user *User) (*User, error) {
	prepareUserDefaults(user)

	created, err := r.repo.Create(ctx, user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return created, nil
}

func (r *users) SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	q := r.update(r.db).Where("?TableAlias.id = ?", id)
	if token == "" {
		q = q.Set("refresh_token = NULL")
	} else {
		q = q.Set("refresh_token = ?", token)
	}
	return expectRow(q.Exec(ctx))
}

func (r *users) SwapRefreshToken(ctx context.Context, id uuid.UUID, current, next string) (bool, error) {
	res, err := r.update(r.db).
		Set("refresh_token = ?", next).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.refresh_token = ?", current).
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

func (r *users) SetVerificationToken(ctx context.Context, id uuid.UUID, digest string) error {
	return expectRow(r.update(r.db).
		Set("email_verification_token = ?", digest).
		Where("?TableAlias.id = ?", id).
		Exec(ctx))
}

func (r *users) ConsumeVerificationToken(ctx context.Context, digest string) (*User, error) {
	var user *User
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = r.selectOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.email_verification_token = ?", digest)
		})
		if err != nil {
			return err
		}

		return expectRow(r.update(tx).
			Set("is_email_verified = ?", true).
			Set("email_verification_token = NULL").
			Where("?TableAlias.id = ?", user.ID).
			Where("?TableAlias.email_verification_token = ?", digest).
			Exec(ctx))
	})
	if err != nil {
		return nil, err
	}

	user.IsEmailVerified = true
	user.EmailVerificationToken = nil
	return user, nil
}

func (r *users) SetPasswordResetToken(ctx context.Context, id uuid.UUID, digest string, expires time.Time) error {
	return expectRow(r.update(r.db).
		Set("password_reset_token = ?", digest).
		Set("password_reset_expires = ?", expires.UTC()).
		Where("?TableAlias.id = ?", id).
		Exec(ctx))
}

func (r *users) GetByPasswordResetToken(ctx context.Context, digest string, now time.Time) (*User, error) {
	return r.selectOne(ctx, r.db, liveResetToken(digest, now))
}

func (r *users) ConsumePasswordResetToken(ctx context.Context, digest string, now time.Time, hashes PasswordHashes) (*User, error) {
	var user *User
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = r.selectOne(ctx, tx, liveResetToken(digest, now))
		if err != nil {
			return err
		}

		return expectRow(r.update(tx).
			Set("password_hash = ?", hashes.Password).
			Set("password_confirm_hash = ?", hashes.Confirm).
			Set("password_changed_at = ?", now.UTC()).
			Set("password_reset_token = NULL").
			Set("password_reset_expires = NULL").
			Set("refresh_token = NULL").
			Where("?TableAlias.id = ?", user.ID).
			Where("?TableAlias.password_reset_token = ?", digest).
			Where("?TableAlias.password_reset_expires > ?", now.UTC()).
			Exec(ctx))
	})
	if err != nil {
		return nil, err
	}

	user.PasswordHash = hashes.Password
	user.PasswordConfirmHash = hashes.Confirm
	user.PasswordResetToken = nil
	user.PasswordResetExpires = nil
	user.RefreshToken = nil
	return user, nil
}

func (r *users) UpdatePassword(ctx context.Context, id uuid.UUID, hashes PasswordHashes) error {
	return expectRow(r.update(r.db).
		Set("password_hash = ?", hashes.Password).
		Set("password_confirm_hash = ?", hashes.Confirm).
		Set("password_changed_at = ?", r.now().UTC()).
		Set("refresh_token = NULL").
		Where("?TableAlias.id = ?", id).
		Exec(ctx))
}

func (r *users) UpdateProfile(ctx context.Context, id uuid.UUID, update ProfileUpdate) (*User, error) {
	if !update.IsEmpty() {
		q := r.update(r.db).Where("?TableAlias.id = ?", id)
		if update.FullName != nil {
			q = q.Set("full_name = ?", *update.FullName)
		}
		if update.Phone != nil {
			q = q.Set("phone_number = ?", *update.Phone)
		}
		if update.AvatarURL != nil {
			q = q.Set("avatar_url = ?", *update.AvatarURL)
		}
		if err := expectRow(q.Exec(ctx)); err != nil {
			return nil, err
		}
	}
	return r.GetByID(ctx, id)
}

func (r *users) update(db bun.IDB) *bun.UpdateQuery {
	return db.NewUpdate().
		Model((*User)(nil)).
		Set("updated_at = ?", r.now().UTC())
}

func (r *users) selectOne(ctx context.Context, db bun.IDB, criteria func(*bun.SelectQuery) *bun.SelectQuery) (*User, error) {
	record := &User{}
	err := db.NewSelect().
		Model(record).
		Apply(criteria).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return record, nil
}

func liveResetToken(digest string, now time.Time) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.password_reset_token = ?", digest).
			Where("?TableAlias.password_reset_expires > ?", now.UTC())
	}
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	if record.Role == "" {
		record.Role = RoleUser
	}

	record.Email = NormalizeEmail(record.Email)

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
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
		return ErrUserNotFound
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, ErrUserNotFound) ||
		repository.IsRecordNotFound(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryConflict {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
