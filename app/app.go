package directchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/directchat/core"
	"github.com/putto11262002/directchat/migrations"
	"github.com/putto11262002/directchat/pkg/metrics"
	"github.com/putto11262002/directchat/pkg/router"
	"github.com/samber/lo"
)

const (
	shutdownTimeout        = 10 * time.Second
	rateLimitCleanupPeriod = 5 * time.Minute
)

type App struct {
	config  *Config
	context context.Context
	cancel  context.CancelFunc
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	eventRouter *core.EventRouter
	wsManager   *core.ConnManager

	chatStore core.ChatStore
	chat      *core.ChatService
	unread    *core.UnreadFeed
	limiter   *SendLimiter

	conversationHandler *ConversationHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// Option customises the App built by New.
type Option func(*App)

// WithLogOutput redirects the logs, os.Stdout by default.
func WithLogOutput(w io.Writer) Option {
	return func(app *App) {
		app.logger = newLogger(w, app.config.SlogLevel())
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the application. The app stops when ctx is done.
func New(ctx context.Context, config *Config, opts ...Option) (*App, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{config: config}
	app.context, app.cancel = context.WithCancel(ctx)
	app.logger = newLogger(os.Stdout, config.SlogLevel())
	for _, opt := range opts {
		opt(app)
	}

	var err error
	app.chatStore, err = app.openStore()
	if err != nil {
		app.cancel()
		return nil, err
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		if err := app.chatStore.Close(); err != nil {
			app.logger.Error(fmt.Sprintf("close store: %v", err))
		}
	})

	app.wsManager = core.NewConnManager(app.context, &app.wg, app.logger,
		core.WithCheckOrigin(app.checkOrigin))
	app.wsManager.OnUserConnected(app.onUserConnect)
	app.wsManager.OnConnectionOpened(app.onConnectionOpen)
	app.wsManager.OnUserDisconnected(app.onUserDisconnect)

	app.eventRouter = core.NewEventRouter(app.logger, app.wsManager)
	app.chat = core.NewChatService(app.chatStore, app.eventRouter, app.logger)
	app.unread = core.NewUnreadFeed(app.chatStore)
	app.limiter = NewSendLimiter(config.RateLimit.MessagesPerSecond, config.RateLimit.Burst)

	app.eventRouter.On(MessageEvent, app.MessageEventHandler)
	app.eventRouter.On(ReadEvent, app.ReadEventHandler)
	app.eventRouter.On(TypingEvent, app.TypingEventHandler)

	app.conversationHandler = NewConversationHandler(app.chat, app.unread)
	app.router = app.routes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if app.tlsEnabled() {
		app.server.TLSConfig = newTLSConfig()
	}

	return app, nil
}

func (app *App) openStore() (core.ChatStore, error) {
	storeOpts := []core.StoreOption{
		core.WithMaxMessageLength(app.config.Chat.MaxMessageLength),
		core.WithStoreLogger(app.logger),
	}

	switch app.config.Storage.Driver {
	case BadgerDriver:
		db, err := core.OpenBadger(app.config.Storage.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return core.NewBadgerChatStore(db, storeOpts...), nil
	default:
		db, err := core.NewSQLiteDB(app.config.Storage.SQLiteFile, migrations.FS, nil)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return core.NewSQLiteChatStore(db.DB, storeOpts...), nil
	}
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || lo.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(app.config.AllowedOrigins, origin)
}

func (app *App) registerErrorMappers(r *router.Router) {
	for _, err := range []error{
		core.ErrInvalidParticipant,
		core.ErrEmptyMessage,
		core.ErrMessageTooLong,
		core.ErrInvalidArgument,
	} {
		r.RegisterErrorMapper(err, router.StatusMapper(http.StatusBadRequest))
	}
	r.RegisterErrorMapper(core.ErrNotFound, router.StatusMapper(http.StatusNotFound))
	r.RegisterErrorMapper(core.ErrForbidden, router.StatusMapper(http.StatusForbidden))
	r.RegisterErrorMapper(core.ErrNotAParticipant, router.StatusMapper(http.StatusForbidden))
	r.RegisterErrorMapper(core.ErrRateLimited, router.StatusMapper(http.StatusTooManyRequests))
	r.RegisterErrorMapper(core.ErrStorageUnavailable,
		router.MaskedMapper(http.StatusServiceUnavailable, core.ErrStorageUnavailable.Error()))
	r.RegisterErrorMapper(context.DeadlineExceeded,
		router.MaskedMapper(http.StatusServiceUnavailable, "request timed out"))
}

func (app *App) routes() *router.Router {
	r := router.New(router.WithLogger(app.logger))
	app.registerErrorMappers(r)

	r.Router.Use(metrics.InstrumentHandler)
	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Router.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) error {
		return router.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authMiddleware := core.JWTMiddleware(app.config.Auth.Secret)

	r.With(authMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) error {
		session := core.SessionFromRequest(r)
		// the upgrader has already responded when Connect fails
		if err := app.wsManager.Connect(session.Participant, w, r); err != nil {
			app.logger.Debug(err.Error(), "participant", session.Participant)
		}
		return nil
	})

	h := app.conversationHandler
	r.Route("/api", func(api *router.Router) {
		api.Use(authMiddleware)
		api.Route("/conversations", func(r *router.Router) {
			r.Post("/", h.OpenConversationHandler)
			r.Get("/", h.ListConversationsHandler)
			r.Get("/unread", h.UnreadHandler)
			r.Get("/{roomID}", h.GetConversationHandler)
			r.With(app.limiter.Middleware()).Post("/{roomID}/messages", h.SendMessageHandler)
			r.Get("/{roomID}/messages", h.ListMessagesHandler)
			r.Post("/{roomID}/read", h.MarkReadHandler)
		})
	})

	return r
}

// Handler returns the root HTTP handler of the app.
func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) tlsEnabled() bool {
	return app.config.TLS.Key != "" && app.config.TLS.Crt != ""
}

// run starts the event loop and the rate limiter cleanup.
func (app *App) run() {
	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		app.eventRouter.Listen(app.context)
	}()
	go func() {
		defer app.wg.Done()
		app.limiter.Run(app.context, rateLimitCleanupPeriod)
	}()
}

// Start serves until the app context is done or the server fails, then shuts down.
func (app *App) Start() error {
	app.run()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s (storage: %s)",
			app.config.Mode, app.server.Addr, app.config.Storage.Driver))
		var err error
		if app.tlsEnabled() {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var err error
	select {
	case <-app.context.Done():
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("server: %w", err)
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if shutdownErr := app.shutdown(closeCtx); shutdownErr != nil {
		return errors.Join(err, shutdownErr)
	}
	return err
}

// shutdown stops the server, waits for the connections and the event loop,
// then runs the cleanup functions.
func (app *App) shutdown(ctx context.Context) error {
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error(fmt.Sprintf("server shutdown: %v", err))
	}
	app.cancel()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		for _, f := range app.cleanupFuncs {
			f(ctx)
		}
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
		return nil
	case <-ctx.Done():
		app.logger.Info("app shutdown timed out")
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
