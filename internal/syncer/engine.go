// Package syncer reconciles the local store with the remote store: it
// pushes dirty records, pulls remote changes past a watermark and applies
// realtime change events as they arrive.
package syncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/localstore"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
	"github.com/capitalize-ai/localfirst-chat/pkg/tracing"
)

// ErrOffline is returned by RunCycle while the remote store is unreachable.
var ErrOffline = errors.New("sync engine offline")

// Phase is the state of the sync cycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePushing Phase = "pushing"
	PhasePulling Phase = "pulling"
)

// Remote is the subset of the remote store the engine needs.
type Remote interface {
	UpsertChat(ctx context.Context, userID string, c model.RemoteChat) error
	UpsertMessage(ctx context.Context, userID string, m model.RemoteMessage) error
	ChatsUpdatedSince(ctx context.Context, userID string, since time.Time) ([]model.RemoteChat, error)
	MessagesUpdatedSince(ctx context.Context, userID string, since time.Time) ([]model.RemoteMessage, error)
	DeleteChat(ctx context.Context, userID, id string) error
	DeleteMessage(ctx context.Context, userID, id string) error
	PutObject(ctx context.Context, userID, path, contentType string, data []byte) error
}

// ChangeSource delivers realtime change events for a user.
type ChangeSource interface {
	Subscribe(ctx context.Context, userID string) (<-chan model.ChangeEvent, error)
}

// Change describes a remote record applied to the local store.
type Change struct {
	Table  string
	Type   model.ChangeType
	ID     string
	ChatID string
}

// Config holds engine settings.
type Config struct {
	// PushTimeout bounds each remote call of the push phase.
	PushTimeout time.Duration
	// Schedule is a cron spec for periodic cycles. Empty disables it.
	Schedule string
	// ResubscribeInterval is the delay between realtime subscription attempts.
	ResubscribeInterval time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		PushTimeout:         10 * time.Second,
		Schedule:            "@every 5m",
		ResubscribeInterval: 5 * time.Second,
	}
}

// Engine is the sync engine of one signed-in user.
type Engine struct {
	local  *localstore.Store
	remote Remote
	source ChangeSource
	cfg    Config
	log    *logger.Logger

	mu        sync.Mutex
	userID    string
	online    bool
	phase     Phase
	running   bool
	pending   bool
	done      chan struct{}
	lastErr   error
	cycles    int
	listeners []func(Change)

	// applyMu serializes writes of remote records from pull and realtime.
	applyMu sync.Mutex

	trigger chan struct{}
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New creates an engine. remote and source may be nil, in which case the
// engine never goes online or never receives realtime events.
func New(local *localstore.Store, remote Remote, source ChangeSource, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultConfig().PushTimeout
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = DefaultConfig().ResubscribeInterval
	}
	return &Engine{
		local:   local,
		remote:  remote,
		source:  source,
		cfg:     cfg,
		log:     log.Named("sync"),
		phase:   PhaseIdle,
		trigger: make(chan struct{}, 1),
	}
}

// OnChange registers fn to be called after a remote record is applied.
func (e *Engine) OnChange(fn func(Change)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notify(c Change) {
	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Start binds the engine to userID and runs the trigger loop, the realtime
// ingestion loop and the periodic schedule until Stop.
func (e *Engine) Start(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.New("sync engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.userID = userID
	online := e.online
	e.mu.Unlock()

	e.wg.Add(1)
	go e.triggerLoop(ctx)

	if e.source != nil {
		e.wg.Add(1)
		go e.ingestLoop(ctx, userID)
	}

	if e.cfg.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(e.cfg.Schedule, e.Trigger); err != nil {
			e.Stop()
			return err
		}
		c.Start()
		e.mu.Lock()
		e.cron = c
		e.mu.Unlock()
	}

	e.log.Info("sync engine started", zap.String("user_id", userID), zap.Bool("online", online))
	if online {
		e.Trigger()
	}
	return nil
}

// Stop stops all loops and waits for them to exit. An in-flight cycle is
// cancelled; records it did not finish stay dirty.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, c := e.cancel, e.cron
	e.cancel, e.cron = nil, nil
	e.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.userID = ""
	e.mu.Unlock()
}

// Trigger requests a sync cycle. Requests made while one is queued are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records a connectivity change. Going online triggers a cycle.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if e.remote == nil {
		online = false
	}
	was := e.online
	e.online = online
	e.mu.Unlock()

	metrics.SetOnline(online)
	if online && !was {
		e.log.Info("connectivity restored")
		e.Trigger()
	} else if !online && was {
		e.log.Warn("connectivity lost")
	}
}

// IsOnline reports whether the engine considers the remote store reachable.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Phase returns the current cycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Cycles returns how many cycles have run.
func (e *Engine) Cycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) triggerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if !e.IsOnline() {
				continue
			}
			if err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn("sync cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle runs one push then pull cycle. If a cycle is already running the
// call is folded into one follow-up cycle and waits for it to finish.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.pending = true
		done := e.done
		e.mu.Unlock()
		select {
		case <-done:
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.lastErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	for {
		err := e.cycle(ctx)

		e.mu.Lock()
		e.cycles++
		e.lastErr = err
		if !e.pending || ctx.Err() != nil {
			e.running = false
			e.pending = false
			close(e.done)
			e.mu.Unlock()
			return err
		}
		e.pending = false
		e.mu.Unlock()
	}
}

func (e *Engine) cycle(ctx context.Context) (err error) {
	e.mu.Lock()
	userID, online := e.userID, e.online
	e.mu.Unlock()

	if userID == "" {
		return model.ErrNoSession
	}
	if !online {
		metrics.RecordSyncCycle("offline", 0)
		return ErrOffline
	}

	start := time.Now()
	ctx, span := tracing.Start(ctx, "sync.cycle", attribute.String("user_id", userID))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.RecordSyncCycle(result, time.Since(start).Seconds())
		tracing.End(span, err)
	}()

	e.setPhase(PhasePushing)
	pushErr := e.push(ctx, userID)

	e.setPhase(PhasePulling)
	pullErr := e.pull(ctx, userID)

	e.setPhase(PhaseIdle)
	return errors.Join(pushErr, pullErr)
}
