package notesync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type OutboxStoreFactory func(dsn string) (OutboxStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]OutboxStoreFactory
}{
	factories: map[string]OutboxStoreFactory{},
}

// RegisterOutboxStoreFactory lets deployments plug in storage schemes beyond
// the built-ins.
func RegisterOutboxStoreFactory(scheme string, factory OutboxStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupOutboxStoreFactory(scheme string) (OutboxStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildOutboxStoreFromDSN selects a store backend by DSN scheme. A bare path
// or file:// DSN means the JSON file store; sqlite:// points at a local
// database file; postgres:// at a shared one.
func BuildOutboxStoreFromDSN(dsn string) (OutboxStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupOutboxStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileOutboxStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryOutboxStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteOutboxStore(path)
	case "postgres", "postgresql":
		return NewPostgresOutboxStore(dsn)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: outbox store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
