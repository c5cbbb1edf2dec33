// Package server wires the auth and issues services into a go-router
// server backed by fiber.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/goliatone/go-civic/activitymap"
	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/config"
	"github.com/goliatone/go-civic/issues"
	"github.com/goliatone/go-civic/logging"
	"github.com/goliatone/go-civic/mailer"
	"github.com/goliatone/go-civic/media"
	"github.com/goliatone/go-civic/middleware/csrf"
	"github.com/goliatone/go-router"
	"github.com/uptrace/bun"
)

// App holds the wired services and the HTTP server serving them
type App struct {
	config *config.Config
	db     *bun.DB
	logger *logging.Logger

	mail   *mailer.Dispatcher
	images media.Store

	users    auth.Users
	tokens   *auth.TokenService
	accounts *auth.Accounts
	auther   *auth.Auther
	issues   *issues.Service

	http router.Server[*fiber.App]
}

// Option customizes App construction
type Option func(*App)

// WithMailer replaces the mailer built from config
func WithMailer(m mailer.Mailer) Option {
	return func(a *App) {
		if m != nil {
			a.mail = mailer.NewDispatcher(m, a.logger.Named("mailer"), mailer.WithSendTimeout(a.config.Mail.SendTimeout))
		}
	}
}

// WithImageStore replaces the media store built from config
func WithImageStore(s media.Store) Option {
	return func(a *App) {
		if s != nil {
			a.images = s
		}
	}
}

// New builds the application from cfg. db must already be migrated.
func New(ctx context.Context, cfg *config.Config, db *bun.DB, logger *logging.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	app := &App{
		config: cfg,
		db:     db,
		logger: logger,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}

	steps := []func(context.Context, *App) error{
		WithMail,
		WithMedia,
		WithAuth,
		WithIssues,
		WithHTTPServer,
	}
	for _, step := range steps {
		if err := step(ctx, app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// WithMail builds the mail dispatcher unless one was provided
func WithMail(_ context.Context, app *App) error {
	if app.mail != nil {
		return nil
	}

	var m mailer.Mailer
	switch app.config.Mail.Driver {
	case "smtp":
		m = mailer.NewSMTPMailer(app.config.SMTPConfig())
	default:
		m = mailer.LogMailer{Logger: app.logger.Named("mail")}
	}

	app.mail = mailer.NewDispatcher(m, app.logger.Named("mailer"), mailer.WithSendTimeout(app.config.Mail.SendTimeout))
	return nil
}

// WithMedia builds the image store unless one was provided
func WithMedia(ctx context.Context, app *App) error {
	if app.images != nil {
		return nil
	}

	switch app.config.Storage.Driver {
	case "s3":
		store, err := media.NewS3Store(ctx, app.config.S3Config())
		if err != nil {
			return fmt.Errorf("failed to build s3 store: %w", err)
		}
		app.images = store
	default:
		app.images = media.Discard{}
	}
	return nil
}

// WithAuth builds the users store, token service and account flows
func WithAuth(_ context.Context, app *App) error {
	logger := app.logger.Named("auth")
	activity := activitymap.NewSink(app.logger.Named("activity"))

	app.users = auth.NewUsersRepository(app.db)

	tokens, err := auth.NewTokenService(app.config.TokenConfig(), app.users,
		auth.WithTokenLogger(logger),
		auth.WithTokenActivitySink(activity),
	)
	if err != nil {
		return err
	}
	app.tokens = tokens

	app.accounts = auth.NewAccounts(app.users, tokens,
		auth.WithEmailDispatcher(app.mail),
		auth.WithImageStore(app.images),
		auth.WithAccountsActivitySink(activity),
		auth.WithAccountsLogger(logger),
		auth.WithFrontendURL(app.config.App.FrontendURL),
		auth.WithPhoneRegion(app.config.Auth.PhoneRegion),
		auth.WithDeterministicIDs(app.config.Auth.DeterministicIDs),
	)

	app.auther = auth.NewAuthenticator(app.users, tokens).
		WithActivitySink(activity).
		WithLogger(logger)

	return nil
}

// WithIssues builds the issue lifecycle service
func WithIssues(_ context.Context, app *App) error {
	app.issues = issues.NewService(issues.NewIssuesRepository(app.db),
		issues.WithImageStore(app.images),
		issues.WithActivitySink(activitymap.NewSink(app.logger.Named("activity"))),
		issues.WithLogger(app.logger.Named("issues")),
		issues.WithStrictTransitions(app.config.Issues.StrictTransitions),
	)
	return nil
}

// WithHTTPServer creates the fiber backed router and mounts every route
func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.config

	app.http = router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		f := fiber.New(fiber.Config{
			AppName:      cfg.App.Name,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
			BodyLimit:    cfg.HTTP.BodyLimit,
			ErrorHandler: NewErrorHandler(app.logger.Named("http")),
		})

		f.Use(recover.New(recover.Config{EnableStackTrace: cfg.App.Debug}))
		f.Use(requestid.New())
		f.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins(),
			AllowCredentials: true,
			AllowHeaders:     "Origin, Content-Type, Accept, Authorization, " + csrf.DefaultHeaderName,
			AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		}))
		return f
	})

	r := app.http.Router()
	r.Get("/health", app.health).SetName("health")

	cookies := cfg.CookieConfig()
	signer := auth.NewCSRFSigner(cfg.Auth.AccessSecret, cfg.Auth.CSRFTTL)
	session := []router.MiddlewareFunc{
		auth.ProtectedRoute(app.tokens, app.users, cookies),
		auth.CSRFProtection(signer),
	}

	authCtrl := auth.NewAuthController(app.accounts, app.auther, app.tokens, cookies)
	authCtrl.Debug = cfg.App.Debug
	authCtrl.Logger = app.logger.Named("auth:http")
	authCtrl.CSRF = signer
	auth.RegisterAuthRoutes(r, authCtrl, session...)

	issueCtrl := issues.NewIssueController(app.issues)
	issueCtrl.Debug = cfg.App.Debug
	issueCtrl.Logger = app.logger.Named("issues:http")
	issues.RegisterIssueRoutes(r, issueCtrl, session...)

	return nil
}

func (a *App) health(c router.Context) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := router.StatusOK
	database := "ok"
	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Warn("health check database ping failed", "error", err)
		status = http.StatusServiceUnavailable
		database = "unavailable"
	}

	return c.JSON(status, map[string]any{
		"success":  status == router.StatusOK,
		"database": database,
	})
}

// Fiber exposes the underlying fiber app
func (a *App) Fiber() *fiber.App { return a.http.WrappedRouter() }

// Serve blocks serving HTTP on the configured address
func (a *App) Serve() error {
	a.logger.Info("http server listening", "address", a.config.HTTP.Address)
	return a.http.Serve(a.config.HTTP.Address)
}

// Shutdown stops accepting requests, waits for in flight handlers and then
// for pending email deliveries. Both share the deadline of ctx.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.http.WrappedRouter().ShutdownWithContext(ctx)
	if waitErr := a.mail.Wait(ctx); waitErr != nil {
		a.logger.Warn("pending emails abandoned at shutdown", "error", waitErr)
		if err == nil {
			err = waitErr
		}
	}
	return err
}
