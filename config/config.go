package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/logging"
	"github.com/goliatone/go-civic/mailer"
	"github.com/goliatone/go-civic/media"
	goerrors "github.com/goliatone/go-errors"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Auth     Auth     `yaml:"auth"`
	Database Database `yaml:"database"`
	Mail     Mail     `yaml:"mail"`
	Storage  Storage  `yaml:"storage"`
	Log      Log      `yaml:"log"`
	Issues   Issues   `yaml:"issues"`
}

type App struct {
	Name        string `yaml:"name" env:"APP_NAME" env-default:"civic"`
	Env         string `yaml:"env" env:"APP_ENV" env-default:"development"`
	FrontendURL string `yaml:"frontend_url" env:"FRONTEND_URL" env-default:"http://localhost:5173"`
	Debug       bool   `yaml:"debug" env:"APP_DEBUG"`
}

type HTTP struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":5000"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	BodyLimit       int           `yaml:"body_limit" env:"HTTP_BODY_LIMIT" env-default:"10485760"`
	// AllowOrigins is a comma separated list for CORS
	AllowOrigins string `yaml:"allow_origins" env:"HTTP_ALLOW_ORIGINS" env-default:"http://localhost:5173"`
}

type Auth struct {
	AccessSecret  string        `yaml:"access_secret" env:"JWT_SECRET"`
	RefreshSecret string        `yaml:"refresh_secret" env:"JWT_REFRESH_SECRET"`
	AccessTTL     time.Duration `yaml:"access_ttl" env:"JWT_EXPIRES_IN" env-default:"15m"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"JWT_REFRESH_EXPIRES_IN" env-default:"168h"`
	ResetTTL      time.Duration `yaml:"reset_ttl" env:"PASSWORD_RESET_TTL" env-default:"10m"`
	Issuer        string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"civic"`
	KeyID         string        `yaml:"key_id" env:"JWT_KEY_ID" env-default:"v1"`
	// Retired secrets keyed by kid, kept to verify tokens signed before a
	// rotation
	RetiredAccessSecrets  map[string]string `yaml:"retired_access_secrets" env:"JWT_RETIRED_SECRETS"`
	RetiredRefreshSecrets map[string]string `yaml:"retired_refresh_secrets" env:"JWT_RETIRED_REFRESH_SECRETS"`

	CookieDomain     string `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	PhoneRegion      string `yaml:"phone_region" env:"PHONE_REGION" env-default:"US"`
	DeterministicIDs bool   `yaml:"deterministic_ids" env:"AUTH_DETERMINISTIC_IDS"`
	// CSRFTTL bounds the age of an accepted CSRF token
	CSRFTTL time.Duration `yaml:"csrf_ttl" env:"CSRF_TOKEN_TTL" env-default:"24h"`
}

type Database struct {
	// Driver is sqlite or postgres
	Driver string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`
	DSN    string `yaml:"dsn" env:"DATABASE_URL" env-default:"file:civic.db?cache=shared&_pragma=foreign_keys(1)"`
	// Migrate runs the embedded migrations on start
	Migrate bool `yaml:"migrate" env:"DB_MIGRATE" env-default:"true"`
	Debug   bool `yaml:"debug" env:"DB_DEBUG"`
}

type Mail struct {
	// Driver is smtp or log
	Driver   string `yaml:"driver" env:"MAIL_DRIVER" env-default:"log"`
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USER"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"MAIL_FROM" env-default:"no-reply@civic.local"`
	// SendTimeout bounds one background delivery
	SendTimeout time.Duration `yaml:"send_timeout" env:"MAIL_SEND_TIMEOUT" env-default:"15s"`
}

type Storage struct {
	// Driver is s3 or discard
	Driver       string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"discard"`
	Region       string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	Bucket       string `yaml:"bucket" env:"S3_BUCKET"`
	Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	PublicURL    string `yaml:"public_url" env:"S3_PUBLIC_URL"`
	UsePathStyle bool   `yaml:"use_path_style" env:"S3_PATH_STYLE"`
}

type Log struct {
	Level        string        `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Dev          bool          `yaml:"dev" env:"LOG_DEV"`
	File         string        `yaml:"file" env:"LOG_FILE"`
	MaxAge       time.Duration `yaml:"max_age" env:"LOG_MAX_AGE" env-default:"168h"`
	RotationTime time.Duration `yaml:"rotation_time" env:"LOG_ROTATION_TIME" env-default:"24h"`
}

type Issues struct {
	// StrictTransitions enforces the forward only status graph
	StrictTransitions bool `yaml:"strict_transitions" env:"ISSUES_STRICT_TRANSITIONS"`
}

// Load reads an optional .env file, then the YAML file at path when it
// exists, then the process environment. Environment values win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var err error
	if path != "" && fileExists(path) {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad is Load that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks the settings that have no safe default
func (c *Config) Validate() error {
	err := goerrors.ValidateWithOzzo(func() error {
		return validation.Errors{
			"auth": c.TokenConfig().Validate(),
			"auth.csrf_ttl": validation.Validate(c.Auth.CSRFTTL,
				validation.Min(time.Minute),
			),
			"database.driver": validation.Validate(c.Database.Driver,
				validation.Required,
				validation.In("sqlite", "postgres").Error("must be sqlite or postgres"),
			),
			"mail.driver": validation.Validate(c.Mail.Driver,
				validation.Required,
				validation.In("log", "smtp").Error("must be log or smtp"),
			),
			"mail.host": validation.Validate(c.Mail.Host,
				validation.When(c.Mail.Driver == "smtp", validation.Required.Error("is required by the smtp driver")),
			),
			"storage.driver": validation.Validate(c.Storage.Driver,
				validation.Required,
				validation.In("discard", "s3").Error("must be discard or s3"),
			),
			"storage.bucket": validation.Validate(c.Storage.Bucket,
				validation.When(c.Storage.Driver == "s3", validation.Required.Error("is required by the s3 driver")),
			),
			// cors answers credentialed requests, so it needs explicit origins
			"http.allow_origins": validation.Validate(c.AllowOrigins(),
				validation.Required.Error("must list at least one origin"),
				validation.By(noWildcardOrigin),
			),
		}.Filter()
	}, "invalid configuration")
	if err != nil {
		return err.WithTextCode("CONFIG_INVALID")
	}
	return nil
}

func noWildcardOrigin(value any) error {
	origins, _ := value.(string)
	for _, origin := range strings.Split(origins, ",") {
		if strings.Contains(origin, "*") {
			return validation.NewError("validation_origin_wildcard", "must not contain a wildcard when credentials are allowed")
		}
	}
	return nil
}

// IsProduction reports whether the app runs with production cookie policy
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// TokenConfig converts the auth section for auth.NewTokenService
func (c *Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		AccessSecret:          c.Auth.AccessSecret,
		RefreshSecret:         c.Auth.RefreshSecret,
		AccessTTL:             c.Auth.AccessTTL,
		RefreshTTL:            c.Auth.RefreshTTL,
		ResetTTL:              c.Auth.ResetTTL,
		Issuer:                c.Auth.Issuer,
		KeyID:                 c.Auth.KeyID,
		RetiredAccessSecrets:  c.Auth.RetiredAccessSecrets,
		RetiredRefreshSecrets: c.Auth.RetiredRefreshSecrets,
	}
}

// CookieConfig returns the session cookie policy for the environment
func (c *Config) CookieConfig() auth.CookieConfig {
	cookies := auth.DefaultCookieConfig(c.IsProduction())
	cookies.Domain = c.Auth.CookieDomain
	return cookies
}

func (c *Config) SMTPConfig() mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:     c.Mail.Host,
		Port:     c.Mail.Port,
		Username: c.Mail.Username,
		Password: c.Mail.Password,
		From:     c.Mail.From,
	}
}

func (c *Config) S3Config() media.S3Config {
	return media.S3Config{
		Region:       c.Storage.Region,
		Bucket:       c.Storage.Bucket,
		Endpoint:     c.Storage.Endpoint,
		AccessKey:    c.Storage.AccessKey,
		SecretKey:    c.Storage.SecretKey,
		PublicURL:    c.Storage.PublicURL,
		UsePathStyle: c.Storage.UsePathStyle,
	}
}

func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:        c.Log.Level,
		Dev:          c.Log.Dev,
		File:         c.Log.File,
		MaxAge:       c.Log.MaxAge,
		RotationTime: c.Log.RotationTime,
	}
}

// AllowOrigins returns the CORS origins as fiber expects them
func (c *Config) AllowOrigins() string {
	parts := strings.Split(c.HTTP.AllowOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
