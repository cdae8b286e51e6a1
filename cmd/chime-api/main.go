package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chime/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/config"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/database"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/push"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/reminders"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/server"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chime-api",
		Short: "Chime reminder delivery service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("allowed-origin", defaults.GetString("cors.allowed_origin"), "Allowed browser origin")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	cmd.PersistentFlags().Duration("session-sweep-interval", defaults.GetDuration("auth.session_sweep_interval"), "Expired-session sweep interval")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("push-relay-url", defaults.GetString("push.relay_url"), "Expo push relay URL")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "cors.allowed_origin", "allowed-origin")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "auth.session_sweep_interval", "session-sweep-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "push.relay_url", "push-relay-url")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	sessionStore, err := sessions.NewStore(sessions.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "chime-auth",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	// Google login is optional; the endpoint reports it as unconfigured when
	// no client id is set.
	var googleVerifier *auth.GoogleVerifier
	if appConfig.GoogleClientID != "" {
		googleVerifier, err = auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		})
		if err != nil {
			return err
		}
	}

	credentials, err := auth.NewService(auth.ServiceConfig{
		Users:    userService,
		Sessions: sessionStore,
		Issuer:   tokenIssuer,
		Verifier: googleVerifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Verifier:      credentials,
		AllowedOrigin: appConfig.AllowedOrigin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := reminders.NewScheduler(reminders.SchedulerConfig{
		Emitter: gateway,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	pushClient := push.NewClient(push.ClientConfig{
		RelayURL:    appConfig.PushRelayURL,
		AccessToken: appConfig.PushAccessToken,
		Logger:      logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Credentials:        credentials,
		Users:              userService,
		Gateway:            gateway,
		Scheduler:          scheduler,
		Push:               pushClient,
		FallbackPushTokens: appConfig.PushFallbackTokens,
		AllowedOrigin:      appConfig.AllowedOrigin,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(signalCtx)
	sessionStore.StartSweeper(signalCtx, appConfig.SessionSweepInterval)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
