package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Exit codes: 0 clean shutdown, 1 runtime startup failure, 2 bad config.
const (
	exitRuntimeError = 1
	exitConfigError  = 2
)

// sweepInterval is how often expired sticky bindings are purged.
const sweepInterval = 60 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cc-relay-server: %v\n", err)
		os.Exit(exitConfigError)
	}

	debug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	db, err := openDatabase(cfg.Server.DatabasePath)
	if err != nil {
		log.Printf("open database: %v", err)
		os.Exit(exitRuntimeError)
	}
	defer db.Close()

	cachePath := filepath.Join(filepath.Dir(cfg.Server.DatabasePath), "tokens.db")
	cache, err := openTokenCache(cachePath)
	if err != nil {
		log.Printf("open token cache: %v", err)
		os.Exit(exitRuntimeError)
	}
	defer cache.Close()

	reg := newRegistry(cfg.Accounts, time.Duration(cfg.Session.UnavailableCooldownSeconds)*time.Second)
	cache.seedRegistry(reg, cfg.Accounts)

	providers := newProviderSet(NewClaudeProvider(), NewGeminiProvider(), NewOpenAIProvider())
	transports := newTransportPool()

	m := newMetrics()
	m.reg = reg

	sessions := newSessionStore(db)
	sched := newScheduler(reg, sessions, cfg.Session, m)
	refresher := newTokenRefresher(reg, providers, transports, cache, m)

	apiKeys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		apiKeys[k] = true
	}

	h := &relayHandler{
		reg:        reg,
		providers:  providers,
		sched:      sched,
		refresher:  refresher,
		sessions:   sessions,
		db:         db,
		transports: transports,
		metrics:    m,
		recent:     newRecentErrors(50),
		startTime:  time.Now(),
		apiKeys:    apiKeys,
		debug:      debug,
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := sessions.sweep(); err != nil {
				log.Printf("session sweep: %v", err)
			} else if n > 0 && debug {
				log.Printf("session sweep removed %d expired bindings", n)
			}
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}

	// HTTP/2 tuned for long-running SSE streams.
	http2Srv := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	counts := make([]string, 0, 3)
	for _, p := range []Platform{PlatformClaude, PlatformGemini, PlatformOpenAI} {
		if _, total := reg.countAvailable(p, time.Now()); total > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", p, total))
		}
	}
	log.Printf("cc-relay-server listening on %s (%s)", srv.Addr, strings.Join(counts, ", "))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("server error: %v", err)
		os.Exit(exitRuntimeError)
	}
}
