package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/L0stInFades/Her/internal/config"
	"github.com/L0stInFades/Her/internal/db"
	"github.com/L0stInFades/Her/internal/http/api"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/L0stInFades/Her/internal/relay"
	"github.com/L0stInFades/Her/internal/session"
	internalsettings "github.com/L0stInFades/Her/internal/settings"
	"github.com/L0stInFades/Her/internal/streams"
	"github.com/L0stInFades/Her/internal/upstream"
	"github.com/L0stInFades/Her/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the chat service with database-backed components and
// blocks until the context is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	jwtConfig, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return errJWT
	}
	upstreamConfig, errUpstream := config.LoadUpstreamConfig(configPath)
	if errUpstream != nil {
		return errUpstream
	}

	sessions := session.NewManager(
		session.NewGormCredentialStore(conn),
		session.NewGormUserDirectory(conn),
		jwtConfig.Secret,
		jwtConfig.AccessExpiry,
		jwtConfig.RefreshExpiry,
		nil,
	)
	policyCache := policy.NewCache(conn, policy.DefaultTTL, nil)
	ledger := usage.NewLedger(conn, policyCache, nil)
	admission := streams.NewAdmission(internalsettings.MaxConcurrentStreams(conn))
	streamer := upstream.NewClient(upstreamConfig)
	pipeline := relay.New(admission, ledger, policyCache, relay.NewGormConversationStore(conn), streamer)

	go sweepSessions(ctx, sessions, internalsettings.SessionSweepInterval(conn))

	engine := gin.New()
	engine.Use(gin.Recovery())
	api.RegisterRoutes(engine, api.Deps{
		DB:       conn,
		Sessions: sessions,
		Relay:    pipeline,
		Ledger:   ledger,
		Policy:   policyCache,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	log.WithField("port", port).Info("server started")

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sweepSessions periodically removes expired refresh credentials.
func sweepSessions(ctx context.Context, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, errSweep := sessions.SweepExpired(ctx)
			if errSweep != nil {
				log.WithError(errSweep).Warn("session sweep failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Debug("expired sessions removed")
			}
		}
	}
}
