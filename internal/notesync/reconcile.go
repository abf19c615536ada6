package notesync

import (
	"context"
	"log"
	"sync"
	"time"
)

type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelError        ChannelState = "error"
)

type ReconcilerOptions struct {
	UserID string
	Cache  *NoteCache
	Remote RemoteAPI
	Feed   ChangeFeed
	// Outbox, when set, lets a resync keep queued offline edits and deletes
	// visible instead of reverting them to the server listing.
	Outbox *Outbox
	// ReconnectDelay is the pause before redialing after a dropped or
	// failed subscription. Defaults to 5s.
	ReconnectDelay time.Duration
	// PollInterval bounds staleness while the feed is down; the remote
	// listing is polled at this cadence until the channel recovers.
	// Defaults to 60s.
	PollInterval time.Duration
	// OnStateChange fires on every channel state transition.
	OnStateChange func(old, new ChannelState)
	Logger        *log.Logger
}

// Reconciler folds server-pushed changes into the local cache and keeps the
// subscription alive. Events are applied strictly in arrival order; a full
// resync runs after every successful (re)connect, since events emitted while
// the channel was down are gone for good.
type Reconciler struct {
	userID         string
	cache          *NoteCache
	remote         RemoteAPI
	feed           ChangeFeed
	outbox         *Outbox
	reconnectDelay time.Duration
	pollInterval   time.Duration
	onStateChange  func(old, new ChannelState)
	logger         *log.Logger

	mu         sync.RWMutex
	state      ChannelState
	lastResync time.Time

	kick chan struct{}
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.UserID == "" || opts.Cache == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Reconciler{
		userID:         opts.UserID,
		cache:          opts.Cache,
		remote:         opts.Remote,
		feed:           opts.Feed,
		outbox:         opts.Outbox,
		reconnectDelay: reconnectDelay,
		pollInterval:   pollInterval,
		onStateChange:  opts.OnStateChange,
		logger:         opts.Logger,
		state:          ChannelDisconnected,
		kick:           make(chan struct{}, 1),
	}, nil
}

func (r *Reconciler) State() ChannelState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RequestReconnect tears down the current subscription, if any, and redials
// immediately. Used when connectivity returns after an offline stretch.
func (r *Reconciler) RequestReconnect() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Apply folds one change event into the cache. Events for other users are
// dropped. Reports whether the cache changed.
func (r *Reconciler) Apply(ev ChangeEvent) bool {
	if ev.Note.UserID != "" && ev.Note.UserID != r.userID {
		return false
	}
	switch ev.Event {
	case ChangeInsert:
		// Insert dedupes on id, so replaying our own confirmed create is
		// harmless.
		return r.cache.Insert(ev.Note)
	case ChangeUpdate:
		if r.cache.Replace(ev.Note) {
			return true
		}
		// An update for a note this client never saw is an insert.
		return r.cache.Insert(ev.Note)
	case ChangeDelete:
		return r.cache.Remove(ev.Note.ID)
	default:
		r.logf("unknown change event %q ignored", ev.Event)
		return false
	}
}

// Resync replaces the cache with the authoritative server listing. Pending
// optimistic notes survive, and notes with a queued edit or delete keep the
// local intent; the listing predates what the outbox is about to replay.
func (r *Reconciler) Resync(ctx context.Context) error {
	notes, err := r.remote.ListNotes(ctx, r.userID)
	if err != nil {
		return Classify(err)
	}
	notes = r.overlayQueued(notes)
	r.cache.SetAll(notes)
	r.mu.Lock()
	r.lastResync = time.Now()
	r.mu.Unlock()
	return nil
}

// overlayQueued folds queued mutations into a fresh listing: rows with a
// queued delete are dropped, rows with a queued update keep the optimistic
// entry already in the cache.
func (r *Reconciler) overlayQueued(notes []Note) []Note {
	if r.outbox == nil {
		return notes
	}
	items := r.outbox.Items()
	if len(items) == 0 {
		return notes
	}
	updated := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, item := range items {
		switch item.Type {
		case MutationUpdate:
			updated[item.Payload.NoteID] = true
		case MutationDelete:
			deleted[item.Payload.NoteID] = true
		}
	}
	out := notes[:0]
	for _, note := range notes {
		if deleted[note.ID] {
			continue
		}
		if updated[note.ID] {
			if local, ok := r.cache.Get(note.ID); ok {
				note = local
			}
		}
		out = append(out, note)
	}
	return out
}

// Run keeps the subscription alive until ctx is cancelled. With no feed
// configured it degrades to pure polling.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.setState(ChannelDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		if r.feed == nil {
			r.pollOnce(ctx)
			if !r.waitReconnect(ctx, r.pollInterval) {
				return
			}
			continue
		}

		r.setState(ChannelConnecting)
		sub, err := r.feed.Subscribe(ctx, r.userID)
		if err != nil {
			r.setState(ChannelError)
			r.logf("change feed subscribe: %v", err)
			r.pollOnce(ctx)
			if !r.waitReconnect(ctx, r.reconnectDelay) {
				return
			}
			continue
		}

		r.setState(ChannelConnected)
		if err := r.Resync(ctx); err != nil {
			r.logf("post-connect resync: %v", err)
		}
		readErr := r.readLoop(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			r.setState(ChannelError)
			r.logf("change feed dropped: %v", readErr)
		} else {
			r.setState(ChannelDisconnected)
		}
		if !r.waitReconnect(ctx, r.reconnectDelay) {
			return
		}
	}
}

// readLoop applies events until the subscription fails or a reconnect is
// requested. A nil return means the loop ended on request rather than error.
func (r *Reconciler) readLoop(ctx context.Context, sub ChangeSubscription) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.kick:
			cancel()
		case <-readCtx.Done():
		}
	}()
	for {
		ev, err := sub.Next(readCtx)
		if err != nil {
			if readCtx.Err() != nil && ctx.Err() == nil {
				return nil
			}
			return err
		}
		r.Apply(ev)
	}
}

// pollOnce keeps the local view roughly fresh while the channel is down.
func (r *Reconciler) pollOnce(ctx context.Context) {
	r.mu.RLock()
	due := time.Since(r.lastResync) >= r.pollInterval
	r.mu.RUnlock()
	if !due {
		return
	}
	if err := r.Resync(ctx); err != nil {
		r.logf("poll resync: %v", err)
	}
}

// waitReconnect pauses before the next dial attempt. A reconnect request
// shortcuts the wait. Reports false when ctx was cancelled.
func (r *Reconciler) waitReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Reconciler) setState(state ChannelState) {
	r.mu.Lock()
	old := r.state
	if old == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()
	// Called outside the lock; transitions are observed in order.
	if r.onStateChange != nil {
		r.onStateChange(old, state)
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
