package notesync

import (
	"context"
	"log"
	"sync"
	"time"
)

// SessionOptions wires one user's sync stack. Everything is injected; zero
// values fall back to defaults that work in a single process.
type SessionOptions struct {
	UserID string
	Remote RemoteAPI
	// Feed is the realtime change subscription. With no feed the reconciler
	// degrades to polling.
	Feed ChangeFeed
	// Prober measures connectivity. When nil and Remote also implements
	// Prober, the remote client doubles as the prober.
	Prober Prober
	// Store overrides StoreDSN. With neither set the outbox lives in memory.
	Store    OutboxStore
	StoreDSN string

	FlushInterval      time.Duration
	ProbeInterval      time.Duration
	ThroughputInterval time.Duration
	ProbeTimeout       time.Duration
	ReconnectDelay     time.Duration
	PollInterval       time.Duration

	OnQualityChange      func(old, new QualityTier)
	OnChannelStateChange func(old, new ChannelState)
	OnItemFailed         func(item OutboxItem, err *ClassifiedError)

	Logger *log.Logger
}

// Session owns the full sync machinery for a single user: cache, outbox,
// monitor, sync engine and reconciler. Sessions are independent; two users in
// one process never share state.
type Session struct {
	userID     string
	remote     RemoteAPI
	cache      *NoteCache
	outbox     *Outbox
	monitor    *Monitor
	engine     *SyncEngine
	reconciler *Reconciler
	logger     *log.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession builds and starts a session. Queued mutations from a previous
// run are loaded from the store and flushed as soon as the link allows.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.UserID == "" || opts.Remote == nil {
		return nil, ErrInvalidInput
	}

	store := opts.Store
	if store == nil {
		built, err := BuildOutboxStoreFromDSN(opts.StoreDSN)
		if err != nil {
			return nil, err
		}
		store = built
	}
	if store == nil {
		store = NewInMemoryOutboxStore()
	}
	outbox, err := NewOutbox(opts.UserID, store)
	if err != nil {
		return nil, err
	}

	s := &Session{
		userID: opts.UserID,
		remote: opts.Remote,
		cache:  NewNoteCache(),
		outbox: outbox,
		logger: opts.Logger,
		closed: make(chan struct{}),
	}

	prober := opts.Prober
	if prober == nil {
		if p, ok := opts.Remote.(Prober); ok {
			prober = p
		}
	}
	s.monitor = NewMonitor(MonitorOptions{
		Prober:             prober,
		ProbeInterval:      opts.ProbeInterval,
		ThroughputInterval: opts.ThroughputInterval,
		ProbeTimeout:       opts.ProbeTimeout,
		Logger:             opts.Logger,
		OnChange: func(old, new QualityTier) {
			// Recovery from an offline stretch drains the queue and
			// re-establishes the feed.
			if old == QualityOffline && new != QualityOffline {
				s.engine.TriggerFlush()
				s.reconciler.RequestReconnect()
			}
			if opts.OnQualityChange != nil {
				opts.OnQualityChange(old, new)
			}
		},
	})

	s.engine, err = NewSyncEngine(SyncEngineOptions{
		UserID:        opts.UserID,
		Outbox:        outbox,
		Cache:         s.cache,
		Remote:        opts.Remote,
		Monitor:       s.monitor,
		FlushInterval: opts.FlushInterval,
		OnItemFailed:  opts.OnItemFailed,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.reconciler, err = NewReconciler(ReconcilerOptions{
		UserID:         opts.UserID,
		Cache:          s.cache,
		Remote:         opts.Remote,
		Feed:           opts.Feed,
		Outbox:         outbox,
		ReconnectDelay: opts.ReconnectDelay,
		PollInterval:   opts.PollInterval,
		OnStateChange:  opts.OnChannelStateChange,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.engine.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.reconciler.Run(ctx)
	}()
	if outbox.Depth() > 0 {
		s.engine.TriggerFlush()
	}
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

// Notes returns the current local view, newest first.
func (s *Session) Notes() []Note { return s.cache.Snapshot() }

func (s *Session) Note(id string) (Note, bool) { return s.cache.Get(id) }

// PendingCount is the outbox depth.
func (s *Session) PendingCount() int { return s.outbox.Depth() }

// FailedMutations returns the terminal failures awaiting user attention.
func (s *Session) FailedMutations() []FailedItem { return s.outbox.Failed() }

func (s *Session) Quality() QualityTier { return s.monitor.Tier() }

func (s *Session) ChannelState() ChannelState { return s.reconciler.State() }

// SetOnline feeds the platform connectivity signal into the monitor.
func (s *Session) SetOnline(online bool) {
	s.monitor.SetOnline(online)
	if !online {
		return
	}
	s.engine.TriggerFlush()
	s.reconciler.RequestReconnect()
}

// Flush drains the outbox synchronously.
func (s *Session) Flush(ctx context.Context) (SyncResult, error) {
	if err := s.checkOpen(); err != nil {
		return SyncResult{}, err
	}
	return s.engine.Flush(ctx)
}

// Resync refetches the authoritative listing into the cache.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.reconciler.Resync(ctx)
}

// online gates direct remote attempts. A failed liveness probe parks new
// mutations straight in the outbox instead of burning a doomed round trip;
// an unprobed link is treated as reachable so a fresh session is never
// penalized.
func (s *Session) online() bool {
	return s.monitor.Reachable()
}

func (s *Session) checkOpen() error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
		return nil
	}
}

// Close stops the workers and releases the store. Close is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.wg.Wait()
		err = s.outbox.Close()
	})
	return err
}
