package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailstore/internal/api"
	"github.com/vdavid/mailstore/internal/config"
	"github.com/vdavid/mailstore/internal/db"
	"github.com/vdavid/mailstore/internal/inject"
	"github.com/vdavid/mailstore/internal/mailbox"
	"github.com/vdavid/mailstore/internal/notify"
	"github.com/vdavid/mailstore/internal/smtpingest"
	ws "github.com/vdavid/mailstore/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	registry := mailbox.NewRegistry()
	if err := registry.Load(ctx, pool); err != nil {
		log.Fatalf("Failed to load mailboxes: %v", err)
	}

	notifier := notify.NewNotifier(pool)
	runtime := inject.NewRuntime(pool, registry, notifier)
	wsHub := ws.NewHub(10)

	listener := &notify.Listener{
		Pool:     pool,
		Registry: registry,
		OnEvent: func(e notify.Event) {
			msg, err := json.Marshal(e)
			if err != nil {
				log.Printf("Failed to encode mailbox event: %v", err)
				return
			}
			wsHub.Send(e.Mailbox, msg)
		},
	}
	go listener.Run(ctx)

	smtpServer := smtpingest.NewServer(cfg, &smtpingest.Backend{
		Runtime:      runtime,
		Registry:     registry,
		LocalDomains: localDomains(cfg),
	})
	go func() {
		log.Printf("SMTP ingest listening on %s", smtpServer.Addr)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Fatalf("SMTP server failed: %v", err)
		}
	}()

	server := NewServer(pool, runtime, registry, wsHub)

	address := ":" + cfg.HTTPPort
	log.Printf("Mailstore server starting on %s (environment: %s)", address, cfg.Environment)

	if err := http.ListenAndServe(address, server); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// NewServer creates and returns the HTTP handler for the mailstore server.
func NewServer(pool *pgxpool.Pool, runtime *inject.Runtime, registry *mailbox.Registry, wsHub *ws.Hub) http.Handler {
	statusHandler := api.NewStatusHandler(pool, runtime, registry)
	wsHandler := api.NewWebSocketHandler(wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", statusHandler.Health)
	mux.HandleFunc("/api/v1/status", statusHandler.Status)
	mux.Handle("/api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

// localDomains parses the configured domain list into the set of domains
// whose recipients live in this store. Defaults to the configured hostname.
func localDomains(cfg *config.Config) map[string]bool {
	domains := make(map[string]bool)
	raw := strings.TrimSpace(strings.ToLower(cfg.LocalDomains))
	if raw == "" {
		domains[strings.ToLower(cfg.Hostname)] = true
		return domains
	}
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains[d] = true
		}
	}
	return domains
}
