package issues

import (
	"math"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	// MaxPage keeps (page-1)*limit well inside the int range of every driver
	MaxPage = 100000
)

// Sort orders a listing
type Sort string

const (
	SortNewest  Sort = "newest"
	SortOldest  Sort = "oldest"
	SortUpvotes Sort = "upvotes"
)

// ListQuery holds the listing filters. Zero values mean "no filter".
type ListQuery struct {
	Status    string `query:"status"`
	Category  string `query:"category"`
	CreatedBy string `query:"createdBy"`
	Search    string `query:"q"`
	Sort      string `query:"sort"`
	Page      int    `query:"page"`
	Limit     int    `query:"limit"`
}

// Validate will run validation rules
func (q ListQuery) Validate() error {
	err := goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&q,
			validation.Field(&q.Status, validation.By(func(v any) error {
				if s, _ := v.(string); s != "" {
					if _, ok := ParseStatus(s); !ok {
						return validation.NewError("validation_status", "unknown status")
					}
				}
				return nil
			})),
			validation.Field(&q.Category, validation.In(categoryValues()...)),
			validation.Field(&q.CreatedBy, is.UUID),
			validation.Field(&q.Sort, validation.In(string(SortNewest), string(SortOldest), string(SortUpvotes))),
			validation.Field(&q.Page, validation.Min(0), validation.Max(MaxPage)),
			validation.Field(&q.Limit, validation.Min(0)),
		)
	}, "invalid issue filters")
	if err != nil {
		return err.WithCode(goerrors.CodeBadRequest)
	}
	return nil
}

// Normalized returns the query with defaults applied and bounds enforced
func (q ListQuery) Normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Page > MaxPage {
		q.Page = MaxPage
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Sort == "" {
		q.Sort = string(SortNewest)
	}
	if s, ok := ParseStatus(q.Status); ok {
		q.Status = string(s)
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

// Offset is the number of rows to skip
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

func (q ListQuery) createdByID() (uuid.UUID, bool) {
	if q.CreatedBy == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(q.CreatedBy)
	return id, err == nil
}

// Pagination describes the page returned by a listing
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Page is a listing result
type Page struct {
	Issues     []*Issue   `json:"issues"`
	Pagination Pagination `json:"pagination"`
}

func newPage(items []*Issue, total int, q ListQuery) *Page {
	if items == nil {
		items = []*Issue{}
	}
	return &Page{
		Issues: items,
		Pagination: Pagination{
			Page:  q.Page,
			Limit: q.Limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(q.Limit))),
		},
	}
}

func categoryValues() []any {
	out := make([]any, 0, len(AllCategories()))
	for _, c := range AllCategories() {
		out = append(out, string(c))
	}
	return out
}
