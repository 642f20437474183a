package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	ModeServer = "server"
	ModeLambda = "lambda"

	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Env  string `env:"ENV,default=dev"`
	Mode string `env:"MODE,default=server"`

	HTTP struct {
		Addr           string   `env:"HTTP_ADDR,default=:8080"`
		MetricsAddr    string   `env:"METRICS_ADDR,default=:8081"`
		AllowedOrigins []string `env:"ALLOWED_ORIGINS,default=*"`
		// PublicURL is the externally visible base URL, used to rebuild the
		// URL a webhook signature was computed over.
		PublicURL string `env:"PUBLIC_URL"`
	}

	Store struct {
		Backend    string        `env:"STORE_BACKEND,default=dynamodb"`
		StateTable string        `env:"STATE_TABLE"`
		SQLitePath string        `env:"SQLITE_PATH,default=data/sms-inbox.db"`
		Timeout    time.Duration `env:"STORE_TIMEOUT,default=5s"`
	}

	Twilio struct {
		AccountSID        string        `env:"TWILIO_ACCOUNT_SID"`
		FromNumber        string        `env:"TWILIO_FROM_NUMBER"`
		AuthToken         string        `env:"TWILIO_AUTH_TOKEN"`
		StatusCallbackURL string        `env:"TWILIO_STATUS_CALLBACK_URL"`
		ValidateSignature bool          `env:"TWILIO_VALIDATE_SIGNATURE,default=false"`
		Timeout           time.Duration `env:"TWILIO_TIMEOUT,default=10s"`
	}

	// ParamPrefix enables reading secrets from SSM Parameter Store.
	ParamPrefix string `env:"PARAM_PREFIX"`
	JWTSecret   string `env:"JWT_SECRET"`

	NATS struct {
		URL     string `env:"NATS_URL"`
		Subject string `env:"NATS_SUBJECT,default=sms.events"`
	}

	Log struct {
		Level  string `env:"LOG_LEVEL,default=info"`
		Format string `env:"LOG_FORMAT,default=json"`
	}
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := &Config{}
	if err := envconfig.ProcessWith(ctx, config, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field requirements that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeServer, ModeLambda:
	default:
		errs = append(errs, fmt.Errorf("MODE must be %q or %q, got %q", ModeServer, ModeLambda, c.Mode))
	}

	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if c.Mode == ModeLambda {
			errs = append(errs, errors.New("the sqlite backend cannot be used in lambda mode"))
		}
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendDynamoDB, BackendSQLite, c.Store.Backend))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required"))
	}
	if c.Twilio.Timeout <= 0 {
		errs = append(errs, errors.New("TWILIO_TIMEOUT must be positive"))
	}
	if c.ParamPrefix == "" {
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required when PARAM_PREFIX is not set"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required when PARAM_PREFIX is not set"))
		}
	}
	if c.Twilio.ValidateSignature && c.HTTP.PublicURL == "" {
		errs = append(errs, errors.New("PUBLIC_URL is required when TWILIO_VALIDATE_SIGNATURE is set"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
