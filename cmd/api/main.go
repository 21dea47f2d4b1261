package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nextexplorer/api/internal/app"
	"nextexplorer/api/internal/config"
	"nextexplorer/api/internal/discovery"
	"nextexplorer/api/internal/oidc"
	"nextexplorer/api/internal/session"
	"nextexplorer/api/internal/store"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpen: cfg.DatabaseMaxConns, MaxIdle: cfg.DatabaseMaxConns / 2})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	migrations := store.Migrations()
	if cfg.MigrationsDir != "" {
		log.Printf("loading migrations from %s", cfg.MigrationsDir)
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	users := store.NewPostgresStore(db)

	var sessions session.Store
	if cfg.RedisURL != "" {
		log.Printf("using redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		sessions = redisStore
	} else {
		log.Printf("REDIS_URL not set, sessions are kept in memory")
		sessions = session.NewMemoryStore(nil)
	}
	defer sessions.Close()

	var coordinator *oidc.Coordinator
	if cfg.OIDC.Enabled {
		coordinator = oidc.NewCoordinator(oidc.NewHTTPProvider(nil), nil)
		if err := coordinator.Initialize(ctx, oidcConfig(cfg.OIDC)); err != nil {
			log.Fatalf("oidc initialization failed: %v", err)
		}
		go sweepPending(ctx, coordinator)
	}

	var office *discovery.Client
	if cfg.Office.ServerURL != "" {
		office = discovery.NewClient(cfg.Office.ServerURL, cfg.Office.DiscoveryTTL)
	}

	service := app.New(cfg, users, sessions, coordinator, office)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("nextExplorer API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func oidcConfig(c config.OIDC) oidc.Config {
	return oidc.Config{
		Enabled:               c.Enabled,
		IssuerURL:             c.Issuer,
		ClientID:              c.ClientID,
		ClientSecret:          c.ClientSecret,
		RedirectURI:           c.CallbackURL,
		Scope:                 c.Scopes,
		Prompt:                c.Prompt,
		ResponseMode:          c.ResponseMode,
		ProviderName:          c.ProviderName,
		PostLogoutRedirectURI: c.PostLogoutRedirectURL,
		MaxPendingAge:         c.MaxPendingAge,
	}
}

// sweepPending drops abandoned sign-in attempts between logins.
func sweepPending(ctx context.Context, coordinator *oidc.Coordinator) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := coordinator.Sweep(); n > 0 {
				log.Printf("swept %d expired sign-in attempts", n)
			}
		}
	}
}
