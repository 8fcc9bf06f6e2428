package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"tably.dev/internal/authn"
	"tably.dev/internal/authz"
	"tably.dev/internal/directory"
	"tably.dev/internal/httpapi"
	"tably.dev/internal/identity"
	"tably.dev/internal/obs"
	"tably.dev/internal/roles"
	"tably.dev/internal/rolesync"
	"tably.dev/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("TABLY_PG_DSN")
	if dsn == "" {
		log.Fatal("TABLY_PG_DSN is required")
	}
	store, err := identity.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	tokens, err := token.NewService(
		os.Getenv("TABLY_ACCESS_SECRET"),
		os.Getenv("TABLY_REFRESH_SECRET"),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	dirURL := os.Getenv("TABLY_DIRECTORY_URL")
	if dirURL == "" {
		log.Fatal("TABLY_DIRECTORY_URL is required")
	}
	dir, err := directory.NewHTTPClient(dirURL, os.Getenv("TABLY_DIRECTORY_KEY"))
	if err != nil {
		log.Fatalf("directory client: %v", err)
	}

	mapping := roles.DefaultMapping()
	sync := rolesync.New(store, dir, mapping)
	auth := authn.NewService(store, tokens, sync)
	callers := authz.NewBuilder(store)

	api := httpapi.New(auth, sync, callers, httpapi.ReadyProbe{DB: store.DB()}, httpapi.Config{
		WebhookSecret: os.Getenv("TABLY_WEBHOOK_SECRET"),
		Version:       version,
		RateBurst:     envInt("TABLY_RATE_BURST", 20),
		RatePerSecond: envInt("TABLY_RATE_PER_SECOND", 10),
	})

	// Optional scheduled reconciliation: re-sync every organization's
	// members so external role drift converges even without webhooks.
	var scheduler *cron.Cron
	if schedule := os.Getenv("TABLY_RESYNC_SCHEDULE"); schedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			reconcile(ctx, store, sync)
		})
		if err != nil {
			log.Fatalf("invalid TABLY_RESYNC_SCHEDULE: %v", err)
		}
		scheduler.Start()
	}

	addr := os.Getenv("TABLY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tably-identity %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func reconcile(ctx context.Context, store identity.Store, sync *rolesync.Engine) {
	orgs, err := store.ListOrganizations(ctx)
	if err != nil {
		obs.Log(map[string]any{"type": "resync_failed", "error": err.Error()})
		return
	}
	for _, org := range orgs {
		bulk, err := sync.SyncOrganizationMembers(ctx, org.ID)
		if err != nil {
			obs.Log(map[string]any{
				"type":            "resync_failed",
				"organization_id": org.ID,
				"error":           err.Error(),
			})
			continue
		}
		obs.Log(map[string]any{
			"type":            "resync_done",
			"organization_id": org.ID,
			"synced":          bulk.Synced,
			"failed":          bulk.Failed,
		})
	}
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return def
	}
	return val
}
