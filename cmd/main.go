package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-inbox/handler"
	"sms-inbox/internal/auth"
	"sms-inbox/internal/broadcast"
	"sms-inbox/internal/config"
	"sms-inbox/internal/httpapi"
	"sms-inbox/internal/integrations/paramstore"
	"sms-inbox/internal/integrations/twilio"
	"sms-inbox/internal/logging"
	"sms-inbox/internal/repository"
	"sms-inbox/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync(logger) }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sms-inbox exited", zap.Error(err))
		_ = logging.Sync(logger)
		os.Exit(1)
	}
}

type closer func() error

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}()

	// ---- AWS SDK config (only when something needs it) ----
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	// ---- Secrets ----
	twilioToken, jwtSecret, err := loadSecrets(ctx, cfg, loadAWS)
	if err != nil {
		return err
	}

	// ---- Store ----
	store, closeStore, err := openStore(cfg, loadAWS)
	if err != nil {
		return err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	// ---- Broadcast ----
	hub := broadcast.NewHub(logger)
	closers = append(closers, func() error { hub.Close(); return nil })
	if err := hub.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	var events usecase.Broadcaster = hub
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("sms-inbox"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		closers = append(closers, func() error { return nc.Drain() })
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))

		relay, err := broadcast.NewRelay(hub, nc, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		closers = append(closers, relay.Close)
		events = relay
	}

	// ---- SMS provider ----
	twilioOpts := []twilio.Option{
		twilio.WithHTTPClient(&http.Client{Timeout: cfg.Twilio.Timeout}),
	}
	if cfg.Twilio.StatusCallbackURL != "" {
		twilioOpts = append(twilioOpts, twilio.WithStatusCallback(cfg.Twilio.StatusCallbackURL))
	}
	sms, err := twilio.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.FromNumber, twilioToken, twilioOpts...)
	if err != nil {
		return err
	}

	// ---- Use cases ----
	svc, err := usecase.NewService(store, sms, events,
		usecase.WithLogger(logger),
		usecase.WithStoreTimeout(cfg.Store.Timeout),
		usecase.WithChannelTimeout(cfg.Twilio.Timeout),
	)
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier(jwtSecret)
	if err != nil {
		return err
	}

	// ---- HTTP ----
	serverOpts := []httpapi.Option{httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins)}
	if cfg.Twilio.ValidateSignature {
		serverOpts = append(serverOpts, httpapi.WithSignatureValidation(twilioToken, cfg.HTTP.PublicURL))
	}
	srv, err := httpapi.NewServer(svc, hub, verifier, logger, serverOpts...)
	if err != nil {
		return err
	}

	if cfg.Mode == config.ModeLambda {
		h, err := handler.NewHandler(srv.Handler())
		if err != nil {
			return err
		}
		logger.Info("starting lambda handler", zap.String("store", cfg.Store.Backend))
		lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
			_ = logging.Sync(logger)
		}))
		return nil
	}

	return serve(ctx, cfg, srv, logger)
}

func serve(ctx context.Context, cfg *config.Config, srv *httpapi.Server, logger *zap.Logger) error {
	metrics := echo.New()
	metrics.HideBanner = true
	metrics.HidePort = true
	metrics.GET("/metrics", echoprometheus.NewHandler())

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting metrics server", zap.String("addr", cfg.HTTP.MetricsAddr))
		if err := metrics.Start(cfg.HTTP.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		if err := srv.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	return runErr
}

// loadSecrets returns the provider token source and the JWT signing secret,
// from SSM when a parameter prefix is configured and from the environment
// otherwise.
func loadSecrets(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error)) (twilio.TokenSource, []byte, error) {
	if cfg.ParamPrefix == "" {
		return twilio.StaticToken(cfg.Twilio.AuthToken), []byte(cfg.JWTSecret), nil
	}

	awsCfg, err := loadAWS()
	if err != nil {
		return nil, nil, err
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		return nil, nil, err
	}

	var twilioToken twilio.TokenSource = twilio.StaticToken(cfg.Twilio.AuthToken)
	if cfg.Twilio.AuthToken == "" {
		secret, err := paramstore.NewSecret(params, "twilio_auth_token")
		if err != nil {
			return nil, nil, err
		}
		twilioToken = secret
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		secret, err := paramstore.NewSecret(params, "jwt_secret")
		if err != nil {
			return nil, nil, err
		}
		if jwtSecret, err = secret.Token(ctx); err != nil {
			return nil, nil, fmt.Errorf("load jwt secret: %w", err)
		}
	}
	return twilioToken, []byte(jwtSecret), nil
}

func openStore(cfg *config.Config, loadAWS func() (aws.Config, error)) (usecase.Store, closer, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := repository.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, nil, err
		}
		s, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.StateTable)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}
