package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-civic/mailer"
	"github.com/goliatone/go-civic/media"
)

// Logger is the logging contract used across the auth package. Arguments
// after the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EmailDispatcher hands messages off for best-effort delivery.
// Implementations must not block the caller on delivery.
type EmailDispatcher interface {
	Dispatch(ctx context.Context, msg mailer.Message)
}

// ImageStore persists uploaded images and returns a public URL.
type ImageStore interface {
	Put(ctx context.Context, folder string, file media.File) (string, error)
}

// Authenticator holds the session operations exposed to HTTP handlers
type Authenticator interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*LoginResult, error)
	Logout(ctx context.Context, principal Principal) error
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println("[DBG] AUTH " + format(msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println("[INF] AUTH " + format(msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println("[WRN] AUTH " + format(msg, args...))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println("[ERR] AUTH " + format(msg, args...))
}

func format(msg string, args ...any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
			continue
		}
		fmt.Fprintf(&b, " %v", args[i])
	}
	return b.String()
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, mailer.Message) {}
