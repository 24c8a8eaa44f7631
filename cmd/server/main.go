package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openbehavior/pathway/internal/api"
	"github.com/openbehavior/pathway/internal/cache"
	"github.com/openbehavior/pathway/internal/capacity"
	"github.com/openbehavior/pathway/internal/counters"
	"github.com/openbehavior/pathway/internal/definition"
	"github.com/openbehavior/pathway/internal/navigator"
	"github.com/openbehavior/pathway/internal/registry"
	"github.com/openbehavior/pathway/internal/session"
)

// #region main
func main() {
	addr := envOr("PATHWAY_ADDR", ":8080")
	dbPath := envOr("PATHWAY_DB", "pathway.db")
	cacheDir := envOr("PATHWAY_CACHE_DIR", "pathway-cache")
	defsDir := envOr("PATHWAY_DEFINITIONS", "definitions")
	adminToken := envOr("PATHWAY_ADMIN_TOKEN", "")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	c, err := cache.Open(cache.Config{Path: cacheDir, SyncWrites: true})
	if err != nil {
		log.Fatalf("failed to open cache: %v", err)
	}
	defer c.Close()

	cs, err := counters.NewStore(db)
	if err != nil {
		log.Fatalf("failed to init counters: %v", err)
	}
	reg, err := registry.NewStore(db, c)
	if err != nil {
		log.Fatalf("failed to init participant registry: %v", err)
	}
	sess, err := session.NewStore(db, c)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}
	quota := capacity.NewManager(c, capacity.DefaultHoldTTL)

	engines, err := loadEngines(defsDir, cs, reg, sess, quota, c)
	if err != nil {
		log.Fatalf("failed to load definitions: %v", err)
	}
	if len(engines) == 0 {
		log.Fatalf("no definitions found in %s", defsDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.StartGC(ctx, 10*time.Minute)
	go sweepLoop(ctx, cs)

	srv := &http.Server{Addr: addr, Handler: api.NewServer(engines, cs, adminToken).Router()}
	go func() {
		log.Printf("[MAIN] serving %d experiments on %s", len(engines), addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[MAIN] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] shutdown: %v", err)
	}
}

// #endregion main

// #region helpers

func loadEngines(dir string, cs *counters.Store, reg *registry.Store, sess *session.Store, quota *capacity.Manager, c *cache.Store) (map[string]*navigator.Engine, error) {
	engines := map[string]*navigator.Engine{}
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		paths, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			def, err := definition.Load(path)
			if err != nil {
				return nil, err
			}
			engines[def.ID] = navigator.NewEngine(def, cs, reg, sess, quota, c)
			log.Printf("[MAIN] loaded experiment %s (%s)", def.ID, path)
		}
	}
	return engines, nil
}

// sweepLoop periodically releases distribution slots held by sessions
// that went quiet without finishing.
func sweepLoop(ctx context.Context, cs *counters.Store) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := cs.SweepStale(30 * time.Minute); err != nil {
				log.Printf("[MAIN] sweep stale: %v", err)
			} else if n > 0 {
				log.Printf("[MAIN] swept %d stale active sessions", n)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
