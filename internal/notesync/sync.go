package notesync

import (
	"context"
	"log"
	"sync"
	"time"
)

type ItemOutcome string

const (
	OutcomeSuccess ItemOutcome = "success"
	OutcomeRetry   ItemOutcome = "retry"
	OutcomeFail    ItemOutcome = "fail"
)

// HandlerResult reports how one queued mutation fared against the remote
// store. Note carries the server row on success, when the mutation produces
// one.
type HandlerResult struct {
	Outcome ItemOutcome
	Note    Note
	Err     *ClassifiedError
}

// FlushHandler replays a single queued mutation. The default handler talks to
// the RemoteAPI through the retry engine; tests swap in their own.
type FlushHandler func(ctx context.Context, item OutboxItem) HandlerResult

// SyncResult summarizes one flush pass.
type SyncResult struct {
	SuccessIDs []string
	RetriedIDs []string
	FailedIDs  []string
	Errors     map[string]*ClassifiedError
}

type SyncEngineOptions struct {
	UserID  string
	Outbox  *Outbox
	Cache   *NoteCache
	Remote  RemoteAPI
	Monitor *Monitor
	// Handler overrides the default remote replay. Optional.
	Handler FlushHandler
	// FlushInterval bounds how long a queued mutation waits between
	// opportunistic flushes. Defaults to 30s.
	FlushInterval time.Duration
	// OnItemFailed observes terminal failures after the item has moved to
	// the failed set.
	OnItemFailed func(item OutboxItem, err *ClassifiedError)
	Logger       *log.Logger
}

// SyncEngine drains the outbox against the remote store. Flush passes are
// serialized; a trigger arriving mid-flush coalesces into the next pass.
type SyncEngine struct {
	userID        string
	outbox        *Outbox
	cache         *NoteCache
	monitor       *Monitor
	handler       FlushHandler
	flushInterval time.Duration
	onItemFailed  func(item OutboxItem, err *ClassifiedError)
	logger        *log.Logger

	flushMu sync.Mutex
	kick    chan struct{}
}

func NewSyncEngine(opts SyncEngineOptions) (*SyncEngine, error) {
	if opts.UserID == "" || opts.Outbox == nil || opts.Cache == nil {
		return nil, ErrInvalidInput
	}
	handler := opts.Handler
	if handler == nil {
		if opts.Remote == nil {
			return nil, ErrInvalidInput
		}
		handler = defaultFlushHandler(opts.Remote, opts.Monitor)
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &SyncEngine{
		userID:        opts.UserID,
		outbox:        opts.Outbox,
		cache:         opts.Cache,
		monitor:       opts.Monitor,
		handler:       handler,
		flushInterval: flushInterval,
		onItemFailed:  opts.OnItemFailed,
		logger:        opts.Logger,
		kick:          make(chan struct{}, 1),
	}, nil
}

// TriggerFlush requests a flush pass without blocking. Triggers coalesce.
func (e *SyncEngine) TriggerFlush() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run flushes on demand and on a steady interval until ctx is cancelled.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		case <-ticker.C:
		}
		if _, err := e.Flush(ctx); err != nil {
			e.logf("flush pass aborted: %v", err)
		}
	}
}

// Flush replays queued mutations in enqueue order. A retryable failure stops
// the pass so later mutations cannot overtake the one they may depend on;
// the queue is retried whole on the next trigger. Flushing an empty or
// already-drained queue is a no-op, which makes concurrent triggers safe.
func (e *SyncEngine) Flush(ctx context.Context) (SyncResult, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	result := SyncResult{Errors: make(map[string]*ClassifiedError)}
	if e.monitor != nil && !e.monitor.Reachable() {
		return result, nil
	}

	for _, item := range e.outbox.Items() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if verr := ValidatePayload(item); verr != nil {
			e.failItem(&result, item, verr)
			continue
		}
		res := e.handler(ctx, item)
		switch res.Outcome {
		case OutcomeSuccess:
			if err := e.outbox.Remove(item.ID); err != nil {
				return result, err
			}
			e.applyConfirmed(item, res.Note)
			result.SuccessIDs = append(result.SuccessIDs, item.ID)
		case OutcomeRetry:
			reason := ""
			if res.Err != nil {
				reason = res.Err.Error()
				result.Errors[item.ID] = res.Err
			}
			if err := e.outbox.MarkRetry(item.ID, reason); err != nil {
				return result, err
			}
			result.RetriedIDs = append(result.RetriedIDs, item.ID)
			e.logf("mutation %s deferred: %s", item.ID, reason)
			return result, nil
		default:
			e.failItem(&result, item, res.Err)
		}
	}
	return result, nil
}

func (e *SyncEngine) failItem(result *SyncResult, item OutboxItem, cerr *ClassifiedError) {
	reason := "flush handler reported failure"
	if cerr != nil {
		reason = cerr.Error()
		result.Errors[item.ID] = cerr
	}
	if err := e.outbox.MarkFailed(item.ID, reason); err != nil {
		e.logf("mark failed %s: %v", item.ID, err)
	}
	result.FailedIDs = append(result.FailedIDs, item.ID)
	if item.Type == MutationCreate && item.TempID != "" {
		// The optimistic placeholder is withdrawn; the failed set keeps
		// the content recoverable.
		e.cache.Remove(item.TempID)
	}
	e.logf("mutation %s failed terminally: %s", item.ID, reason)
	if e.onItemFailed != nil {
		e.onItemFailed(item, cerr)
	}
}

// applyConfirmed folds the server's confirmation into the local cache.
func (e *SyncEngine) applyConfirmed(item OutboxItem, note Note) {
	switch item.Type {
	case MutationCreate:
		if item.TempID != "" && note.ID != "" {
			if !e.cache.ReplaceTemp(item.TempID, note) {
				// Reconciler got there first via the change feed.
				e.cache.Insert(note)
			}
		}
	case MutationUpdate:
		if note.ID != "" {
			e.cache.Replace(note)
		}
	case MutationDelete:
		e.cache.Remove(item.Payload.NoteID)
	}
}

func (e *SyncEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// defaultFlushHandler replays a mutation against the remote store, letting
// the classified error's own strategy drive backoff. The strategy widens when
// the link is barely usable.
func defaultFlushHandler(remote RemoteAPI, monitor *Monitor) FlushHandler {
	return func(ctx context.Context, item OutboxItem) HandlerResult {
		var confirmed Note
		op := func(ctx context.Context) error {
			var err error
			switch item.Type {
			case MutationCreate:
				req := CreateRequest{ClientID: item.Payload.ClientID}
				if item.Payload.Content != nil {
					req.Content = *item.Payload.Content
				}
				if item.Payload.Title != nil {
					req.Title = *item.Payload.Title
				}
				confirmed, err = remote.CreateNote(ctx, req)
			case MutationUpdate:
				// Pointers pass through untouched so a queued clearing of a
				// field still transmits.
				patch := NotePatch{
					Content:   item.Payload.Content,
					Title:     item.Payload.Title,
					IsRescued: item.Payload.IsRescued,
					ClientID:  item.Payload.ClientID,
				}
				confirmed, err = remote.UpdateNote(ctx, item.Payload.NoteID, patch)
			case MutationDelete:
				err = remote.DeleteNote(ctx, item.Payload.NoteID)
			default:
				return ErrInvalidInput
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return HandlerResult{Outcome: OutcomeSuccess, Note: confirmed}
		}
		first := Classify(err)
		if !first.Retryable || first.Severity == SeverityCritical {
			return HandlerResult{Outcome: OutcomeFail, Err: first}
		}

		strategy := first.Strategy.withDefaults()
		strategy.MaxAttempts--
		if strategy.MaxAttempts < 1 {
			return HandlerResult{Outcome: OutcomeRetry, Err: first}
		}
		if monitor != nil {
			strategy = WidenForQuality(strategy, monitor.Tier())
		}
		retryErr := RetryWithBackoff(ctx, strategy, op, nil)
		if retryErr == nil {
			return HandlerResult{Outcome: OutcomeSuccess, Note: confirmed}
		}
		final := Classify(retryErr)
		if !final.Retryable || final.Severity == SeverityCritical {
			return HandlerResult{Outcome: OutcomeFail, Err: final}
		}
		// Budget spent but still transient; the item stays queued.
		return HandlerResult{Outcome: OutcomeRetry, Err: final}
	}
}
