package issues

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeIssueNotFound     = "ISSUE_NOT_FOUND"
	TextCodeForbidden         = "FORBIDDEN"
	TextCodeInvalidStatus     = "INVALID_STATUS"
	TextCodeInvalidTransition = "INVALID_TRANSITION"
	TextCodeConcurrentChange  = "CONCURRENT_MODIFICATION"
)

// ErrIssueNotFound is returned when an issue id does not resolve
var ErrIssueNotFound = goerrors.New("issue not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode(TextCodeIssueNotFound)

// ErrAlreadyUpvoted is reported by stores when the ledger already holds
// the (issue, user) pair.
var ErrAlreadyUpvoted = goerrors.New("upvote already recorded", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict)

func forbidden(reason DenyReason) error {
	return goerrors.New(reason.Message(), goerrors.CategoryAuthz).
		WithCode(goerrors.CodeForbidden).
		WithTextCode(TextCodeForbidden).
		WithMetadata(map[string]any{"reason": string(reason)})
}

func invalidStatus(raw string) error {
	return goerrors.New("status must be one of Open, In Progress, Resolved, Closed", goerrors.CategoryBadInput).
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeInvalidStatus).
		WithMetadata(map[string]any{"status": raw})
}

func invalidTransition(from, to Status) error {
	return goerrors.New("status transition is not allowed", goerrors.CategoryValidation).
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeInvalidTransition).
		WithMetadata(map[string]any{"from": string(from), "to": string(to)})
}

func concurrentChange() error {
	return goerrors.New("issue was modified by another request, retry", goerrors.CategoryConflict).
		WithCode(goerrors.CodeConflict).
		WithTextCode(TextCodeConcurrentChange)
}

func internalError(err error, msg string) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithCode(goerrors.CodeInternal)
}
