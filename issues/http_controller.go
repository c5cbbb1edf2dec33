package issues

import (
	"strconv"
	"strings"

	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/media"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// IssueControllerRoutes holds the route prefix for the issue endpoints
type IssueControllerRoutes struct {
	Prefix string
}

// IssueController exposes the issue lifecycle over JSON
type IssueController struct {
	Debug   bool
	Logger  auth.Logger
	Service *Service
	Routes  *IssueControllerRoutes
}

// NewIssueController returns a controller mounted under /api/issues
func NewIssueController(service *Service) *IssueController {
	return &IssueController{
		Logger:  nopLogger{},
		Service: service,
		Routes: &IssueControllerRoutes{
			Prefix: "/api/issues",
		},
	}
}

func (ic *IssueController) List(c router.Context) error {
	q, err := listQuery(c)
	if err != nil {
		return err
	}

	page, err := ic.Service.List(c.Context(), q)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success":    true,
		"issues":     page.Issues,
		"pagination": page.Pagination,
	})
}

func (ic *IssueController) Mine(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	q, err := listQuery(c)
	if err != nil {
		return err
	}

	page, err := ic.Service.Mine(c.Context(), principal, q)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success":    true,
		"issues":     page.Issues,
		"pagination": page.Pagination,
	})
}

func (ic *IssueController) Get(c router.Context) error {
	id, err := issueID(c)
	if err != nil {
		return err
	}

	issue, err := ic.Service.Get(c.Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"issue":   issue,
	})
}

func (ic *IssueController) Create(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	var payload CreateIssueMessage
	if err := ic.parse(c, &payload); err != nil {
		return err
	}

	image, closeFn, err := media.FromForm(c, "image")
	if err != nil {
		return badRequest(err, "failed to read image upload")
	}
	defer closeFn()
	payload.Image = image

	issue, err := ic.Service.Create(c.Context(), principal, payload)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusCreated, map[string]any{
		"success": true,
		"issue":   issue,
	})
}

func (ic *IssueController) Update(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	id, err := issueID(c)
	if err != nil {
		return err
	}

	var payload UpdateIssueMessage
	if err := ic.parse(c, &payload); err != nil {
		return err
	}

	image, closeFn, err := media.FromForm(c, "image")
	if err != nil {
		return badRequest(err, "failed to read image upload")
	}
	defer closeFn()
	payload.Image = image

	issue, err := ic.Service.Update(c.Context(), principal, id, payload)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"issue":   issue,
	})
}

func (ic *IssueController) Delete(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	id, err := issueID(c)
	if err != nil {
		return err
	}

	if err := ic.Service.Delete(c.Context(), principal, id); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "Issue deleted",
	})
}

func (ic *IssueController) Upvote(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	id, err := issueID(c)
	if err != nil {
		return err
	}

	issue, err := ic.Service.Upvote(c.Context(), principal, id)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success":   true,
		"upvotes":   issue.Upvotes,
		"upvotedBy": issue.UpvotedBy,
	})
}

func (ic *IssueController) ChangeStatus(c router.Context) error {
	principal, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}

	id, err := issueID(c)
	if err != nil {
		return err
	}

	var payload StatusMessage
	if err := ic.parse(c, &payload); err != nil {
		return err
	}

	issue, err := ic.Service.ChangeStatus(c.Context(), principal, id, payload)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"issue":   issue,
	})
}

func (ic *IssueController) parse(c router.Context, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}

	if err := c.Bind(out); err != nil {
		return badRequest(err, "malformed request body")
	}

	if ic.Debug {
		ic.Logger.Debug("request payload", "path", c.Path(), "body", print.MaybePrettyJSON(out))
	}

	return nil
}

// RegisterIssueRoutes mounts the issue endpoints on r. Reads are public;
// session guards everything else.
func RegisterIssueRoutes[T any](r router.Router[T], controller *IssueController, session ...router.MiddlewareFunc) {
	g := r.Group(controller.Routes.Prefix)

	g.Get("/", controller.List).SetName("issues.list")
	g.Get("/mine", controller.Mine, session...).SetName("issues.mine")
	g.Get("/:id", controller.Get).SetName("issues.get")

	g.Post("/", controller.Create, session...).SetName("issues.create")
	g.Put("/:id", controller.Update, session...).SetName("issues.update")
	g.Delete("/:id", controller.Delete, session...).SetName("issues.delete")
	g.Post("/:id/upvote", controller.Upvote, session...).SetName("issues.upvote")
	g.Patch("/:id/status", controller.ChangeStatus, session...).SetName("issues.status")
}

// listQuery reads the listing filters from the query string
func listQuery(c router.Context) (ListQuery, error) {
	q := ListQuery{
		Status:    c.Query("status", ""),
		Category:  c.Query("category", ""),
		CreatedBy: c.Query("createdBy", ""),
		Search:    c.Query("q", ""),
		Sort:      c.Query("sort", ""),
	}

	var err error
	if q.Page, err = queryInt(c, "page"); err != nil {
		return ListQuery{}, err
	}
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return ListQuery{}, err
	}
	return q, nil
}

func queryInt(c router.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name, ""))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(err, name+" must be a number")
	}
	return v, nil
}

func issueID(c router.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// a malformed id can not match any issue
		return uuid.Nil, ErrIssueNotFound
	}
	return id, nil
}

func badRequest(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, msg).
		WithCode(goerrors.CodeBadRequest)
}
