// Package app is the application root. It owns the stores, the change feed,
// the sync engine, the session and the chat service, and ties their
// lifecycles to sign-in and sign-out.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/config"
	"github.com/capitalize-ai/localfirst-chat/internal/handler"
	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/localstore"
	natsclient "github.com/capitalize-ai/localfirst-chat/internal/nats"
	"github.com/capitalize-ai/localfirst-chat/internal/remotestore"
	"github.com/capitalize-ai/localfirst-chat/internal/search"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/internal/syncer"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// App wires every component of one running client.
type App struct {
	cfg *config.Config
	log *logger.Logger

	local  *localstore.Store
	remote *remotestore.Store
	ping   func(ctx context.Context) error
	nats   *natsclient.Client
	feed   *natsclient.ChangeFeed

	engine     *syncer.Engine
	session    *service.Session
	chats      *service.ChatService
	completion llm.Client

	natsUp atomic.Bool
	ready  atomic.Bool

	mu      sync.Mutex
	started bool

	stopCheck context.CancelFunc
	checkWG   sync.WaitGroup
}

// New builds the application from cfg. The remote store is opened without
// contacting it; reachability is decided by the connectivity check, so a
// database that comes up after the app still brings it online.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Global()
	}
	a := &App{cfg: cfg, log: log, session: service.NewSession()}

	local, err := localstore.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}
	a.local = local

	var notifier remotestore.Notifier
	var source syncer.ChangeSource
	if cfg.NATSURL != "" {
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			OnStatus: a.natsStatus,
		}, log.Named("nats"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.nats = client
		a.feed = natsclient.NewChangeFeed(client, log.Named("feed"))
		if err := a.feed.EnsureStream(ctx); err != nil {
			log.Warn("change stream not ready", zap.Error(err))
		}
		notifier, source = a.feed, a.feed
	} else {
		loop := natsclient.NewLoopback()
		notifier, source = loop, loop
	}

	if cfg.RemoteDatabaseURL != "" {
		remote, err := remotestore.OpenPostgres(cfg.RemoteDatabaseURL, notifier, log.Named("remote"))
		if err != nil {
			log.Warn("remote store misconfigured, running offline only", zap.Error(err))
		} else {
			a.remote = remote
			a.ping = remote.Ping
		}
	}

	syncCfg := syncer.DefaultConfig()
	syncCfg.Schedule = cfg.SyncSchedule
	syncCfg.PushTimeout = cfg.SyncPushTimeout

	var remote syncer.Remote
	var shared service.SharedChats
	if a.remote != nil {
		remote, shared = a.remote, a.remote
	}
	a.engine = syncer.New(a.local, remote, source, syncCfg, log)

	chatClient, upstream, err := completionClients(cfg, log)
	if err != nil {
		log.Warn("completion disabled", zap.Error(err))
	}
	a.completion = upstream

	a.chats = service.NewChatService(a.local, shared, a.engine, chatClient, a.session, service.Config{
		DefaultModel:        cfg.DefaultModel,
		PageSize:            cfg.PageSize,
		StreamFlushInterval: cfg.StreamFlushInterval,
	}, log)
	a.engine.OnChange(a.chats.HandleChange)

	a.ready.Store(true)
	checkCtx, cancel := context.WithCancel(context.Background())
	a.stopCheck = cancel
	a.checkWG.Add(1)
	go a.connectivityLoop(checkCtx)

	return a, nil
}

// completionClients returns the client the chat service streams from and
// the upstream provider behind the completion proxy endpoint.
func completionClients(cfg *config.Config, log *logger.Logger) (llm.Client, llm.Client, error) {
	llmCfg := llm.Config{
		Provider:         llm.Provider(cfg.LLMProvider),
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		ProxyURL:         cfg.CompletionProxyURL,
		SiteURL:          cfg.SiteURL,
		AppTitle:         cfg.AppTitle,
	}

	var upstream llm.Client
	var errs []error
	providers := []llm.Provider{llmCfg.Provider}
	if llmCfg.Provider == llm.ProviderProxy {
		providers = []llm.Provider{llm.ProviderOpenRouter, llm.ProviderAnthropic, llm.ProviderOpenAI}
	}
	for _, p := range providers {
		c := llmCfg
		c.Provider = p
		client, err := llm.NewClient(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		upstream = client
		break
	}

	if upstream != nil && cfg.BraveSearchAPIKey != "" {
		brave, err := search.NewBraveClient(cfg.BraveSearchAPIKey)
		if err != nil {
			log.Warn("web search disabled", zap.Error(err))
		} else {
			upstream = llm.WithSearch(upstream, brave, log.Named("search"))
		}
	}

	if llmCfg.Provider == llm.ProviderProxy {
		proxy, err := llm.NewProxyClient(cfg.CompletionProxyURL)
		if err != nil {
			return nil, upstream, err
		}
		return proxy, upstream, nil
	}
	if upstream == nil {
		return nil, nil, errors.Join(errs...)
	}
	return upstream, upstream, nil
}

func (a *App) natsStatus(connected bool) {
	was := a.natsUp.Swap(connected)
	if !a.ready.Load() {
		return
	}
	if connected && !was {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.feed.EnsureStream(ctx); err != nil {
				a.log.Warn("change stream not ready", zap.Error(err))
			}
		}()
	}
	a.checkConnectivity(context.Background())
}

// checkConnectivity marks the engine online when the remote store answers
// and, with a change feed configured, NATS is connected.
func (a *App) checkConnectivity(ctx context.Context) {
	online := a.remote != nil
	if online && a.nats != nil && !a.natsUp.Load() {
		online = false
	}
	if online {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		online = a.ping(pctx) == nil
		cancel()
	}
	a.engine.SetOnline(online)
}

func (a *App) connectivityLoop(ctx context.Context) {
	defer a.checkWG.Done()
	interval := a.cfg.SyncCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.checkConnectivity(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkConnectivity(ctx)
		}
	}
}

// Start signs userID in: the session is bound and the sync engine starts.
func (a *App) Start(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("session already started")
	}

	if err := a.session.Init(userID); err != nil {
		return err
	}
	if err := a.engine.Start(ctx, userID); err != nil {
		a.session.Teardown()
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	a.started = true
	a.log.Info("session started", zap.String("user_id", userID))
	return nil
}

// Stop signs the user out. Unsynced local changes stay in the local store.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.engine.Stop()
	a.session.Teardown()
	a.started = false
	a.log.Info("session stopped")
}

// Close stops everything and releases connections.
func (a *App) Close() error {
	a.Stop()
	if a.stopCheck != nil {
		a.stopCheck()
		a.checkWG.Wait()
	}

	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	return errors.Join(errs...)
}

// Engine returns the sync engine.
func (a *App) Engine() *syncer.Engine { return a.engine }

// Chats returns the chat service.
func (a *App) Chats() *service.ChatService { return a.chats }

// Router builds the HTTP API over the app.
func (a *App) Router() http.Handler {
	required := map[string]handler.Check{"local_store": a.local.Ping}
	optional := map[string]handler.Check{}
	if a.remote != nil {
		optional["remote_store"] = a.remote.Ping
	}
	if a.nats != nil {
		optional["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("NATS not connected")
			}
			return nil
		}
	}

	return handler.NewRouter(handler.RouterConfig{
		Service:           a.chats,
		Lifecycle:         a,
		Sync:              a.engine,
		Completion:        a.completion,
		Health:            handler.NewHealthHandler(required, optional),
		Logger:            a.log,
		JWTSecret:         a.cfg.JWTSecret,
		AllowedOrigins:    a.cfg.AllowedOrigins,
		RateLimitRequests: a.cfg.RateLimitRequests,
		RateLimitWindow:   a.cfg.RateLimitWindow,
	})
}
