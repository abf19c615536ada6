package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/notesync/internal/noteapi"
	"github.com/agentworkforce/notesync/internal/notefeed"
	"github.com/agentworkforce/notesync/internal/notesync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("NOTESYNC_BASE_URL", "http://127.0.0.1:8080"), "note API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("NOTESYNC_TOKEN")), "bearer token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("NOTESYNC_USER")), "user ID to sync")
	storeDSN := flag.String("store", envOrDefault("NOTESYNC_STORE", defaultStorePath()), "outbox store DSN (path, file://, sqlite://, postgres://, memory://)")
	noFeed := flag.Bool("no-feed", boolEnv("NOTESYNC_NO_FEED", false), "disable the realtime feed and poll instead")
	flushInterval := flag.Duration("flush-interval", durationEnv("NOTESYNC_FLUSH_INTERVAL", 30*time.Second), "outbox flush interval")
	probeInterval := flag.Duration("probe-interval", durationEnv("NOTESYNC_PROBE_INTERVAL", 15*time.Second), "connectivity probe interval")
	pollInterval := flag.Duration("poll-interval", durationEnv("NOTESYNC_POLL_INTERVAL", time.Minute), "listing poll interval while the feed is down")
	timeout := flag.Duration("timeout", durationEnv("NOTESYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or NOTESYNC_TOKEN)")
	}
	if strings.TrimSpace(*userID) == "" {
		log.Fatalf("user is required (--user or NOTESYNC_USER)")
	}

	httpClient := &http.Client{Timeout: *timeout}
	client := noteapi.NewClient(*baseURL, *token, httpClient)
	var feed notesync.ChangeFeed
	if !*noFeed {
		feed = notefeed.NewFeed(*baseURL, *token, httpClient)
	}

	session, err := notesync.NewSession(notesync.SessionOptions{
		UserID:        strings.TrimSpace(*userID),
		Remote:        client,
		Feed:          feed,
		StoreDSN:      *storeDSN,
		FlushInterval: *flushInterval,
		ProbeInterval: *probeInterval,
		PollInterval:  *pollInterval,
		Logger:        log.Default(),
		OnQualityChange: func(old, new notesync.QualityTier) {
			log.Printf("network quality %s -> %s", old, new)
		},
		OnChannelStateChange: func(old, new notesync.ChannelState) {
			log.Printf("change feed %s -> %s", old, new)
		},
		OnItemFailed: func(item notesync.OutboxItem, cerr *notesync.ClassifiedError) {
			log.Printf("mutation %s (%s) failed permanently: %v", item.ID, item.Type, cerr)
		},
	})
	if err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer session.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("notesync running for user %s (store %s)", session.UserID(), *storeDSN)
	<-rootCtx.Done()
	log.Printf("notesync stopping: %v", rootCtx.Err())
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "notesync-outbox.json"
	}
	return home + "/.notesync/outbox.json"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
