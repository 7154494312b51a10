// Package conduit assembles the marker synchronization engine: the tracking
// server transport, the frame dispatcher, the marker registry, scene
// snapshots and auto-sync, all bound to one host scene.
package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bifrost-vtt/conduit/internal/autosync"
	"github.com/bifrost-vtt/conduit/internal/dispatcher"
	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/logging"
	"github.com/bifrost-vtt/conduit/internal/registry"
	"github.com/bifrost-vtt/conduit/internal/schedule"
	"github.com/bifrost-vtt/conduit/internal/snapshot"
	"github.com/bifrost-vtt/conduit/internal/telemetry"
	"github.com/bifrost-vtt/conduit/internal/transport"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

const (
	DefaultScenePushDelay = time.Second
	defaultQueueSize      = 16
)

// Config holds engine settings.
type Config struct {
	Transport        transport.Config
	AutoCreateTokens bool
	AutoSyncInterval time.Duration
	// ScenePushDelay is the wait between scene_changed and the token list
	// push that follows it.
	ScenePushDelay time.Duration
	// QueueSize bounds pending request_token_list frames.
	QueueSize int
}

// Deps are the collaborators the engine is bound to. Host is required.
type Deps struct {
	Host      host.Host
	Bus       *host.Bus
	Settings  host.Settings
	Telemetry telemetry.Recorder
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Status is the host-facing view of the engine.
type Status struct {
	transport.Status
	Tracked          int           `json:"tracked"`
	AutoSync         bool          `json:"auto_sync"`
	AutoSyncInterval time.Duration `json:"auto_sync_interval"`
	// AutoSyncTicks counts timer ticks; AutoSyncSkipped those that found
	// the transport down.
	AutoSyncTicks   int `json:"auto_sync_ticks"`
	AutoSyncSkipped int `json:"auto_sync_skipped"`
}

// Engine wires every component together.
type Engine struct {
	cfg       Config
	host      host.Host
	settings  host.Settings
	telemetry telemetry.Recorder
	logger    *slog.Logger
	now       func() time.Time

	tasks     *schedule.Tasks
	transport *transport.Manager
	dispatch  *dispatcher.Dispatcher
	registry  *registry.Registry
	snapshots *snapshot.Builder
	autosync  *autosync.Scheduler

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

// New builds a disconnected engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Host == nil {
		return nil, errors.New("conduit: host is required")
	}
	if cfg.ScenePushDelay <= 0 {
		cfg.ScenePushDelay = DefaultScenePushDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.AutoSyncInterval <= 0 {
		cfg.AutoSyncInterval = autosync.DefaultInterval
	}

	e := &Engine{
		cfg:       cfg,
		host:      deps.Host,
		settings:  deps.Settings,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
		now:       deps.Clock,
		tasks:     schedule.New(),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Nop{}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.transport = transport.New(cfg.Transport,
		transport.WithLogger(e.logger.With("component", "transport")),
		transport.WithTasks(e.tasks),
		transport.WithClock(e.now),
	)
	e.registry = registry.New(e.host,
		registry.WithLogger(e.logger.With("component", "registry")),
		registry.WithClock(e.now),
		registry.WithAutoCreate(cfg.AutoCreateTokens),
	)
	e.snapshots = snapshot.New(e.host, e.registry,
		snapshot.WithLogger(e.logger.With("component", "snapshot")),
		snapshot.WithClock(e.now),
	)
	e.autosync = autosync.New(e.tasks, e.transport, e.pushTokenList, e.logger.With("component", "autosync"))

	d, err := dispatcher.New(logging.NewSlogDispatcherLogger(e.logger.With("component", "dispatcher")), e.transport)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	e.dispatch = d
	e.registerHandlers()
	for _, kind := range protocol.InboundKinds {
		if !d.HasHandler(kind) {
			e.cancel()
			return nil, fmt.Errorf("no handler for %s", kind)
		}
	}

	e.transport.OnFrame(func(data []byte) { e.dispatch.HandleFrame(e.ctx, data) })
	e.transport.OnHandshake(e.handshake)
	e.transport.OnTeardown(func() { e.registry.Clear() })
	e.transport.Observe(transport.ObserverFuncs{
		OnConnected: func() {
			e.logger.Info("Connected to tracking server")
		},
		OnGaveUp: func(attempts int) {
			e.logger.Error("Lost connection to tracking server", "attempts", attempts)
		},
	})

	if deps.Bus != nil {
		e.unsubscribe = deps.Bus.Subscribe(e.onHostEvent)
	}
	return e, nil
}

func (e *Engine) handshake() any {
	var sceneID string
	if scene, err := e.host.ActiveScene(e.ctx); err == nil {
		sceneID = scene.ID
	}
	return protocol.NewHandshake(e.host.Version(), sceneID, e.now())
}

// Connect opens the tracking server connection.
func (e *Engine) Connect(ctx context.Context) error {
	return e.transport.Connect(ctx)
}

// Disconnect closes the connection and clears marker tracking.
func (e *Engine) Disconnect() {
	e.transport.Disconnect()
}

func (e *Engine) Connected() bool {
	return e.transport.Connected()
}

// Phase names the connection phase. It only reads transport state, so it
// is safe to call from a log handler.
func (e *Engine) Phase() string {
	return e.transport.Phase().String()
}

func (e *Engine) Status() Status {
	st := Status{
		Status:           e.transport.Status(),
		Tracked:          e.registry.Len(),
		AutoSync:         e.autosync.Running(),
		AutoSyncInterval: e.autosync.Interval(),
	}
	st.AutoSyncTicks, st.AutoSyncSkipped = e.autosync.Stats()
	return st
}

// Send writes an arbitrary outbound message.
func (e *Engine) Send(msg any) bool {
	return e.transport.Send(msg)
}

func (e *Engine) send(msg any) error {
	if !e.transport.Send(msg) {
		return fmt.Errorf("send %s: %w", protocol.KindOf(msg), transport.ErrNotConnected)
	}
	return nil
}

// SyncTokens pushes the token list filtered by opts.
func (e *Engine) SyncTokens(ctx context.Context, opts snapshot.Options) error {
	if !e.transport.Connected() {
		return transport.ErrNotConnected
	}
	msg, err := e.snapshots.TokenListUpdate(ctx, opts, "")
	if err != nil {
		return err
	}
	if err := e.send(msg); err != nil {
		return err
	}
	e.telemetry.SyncPush(protocol.TypeTokenListUpdate, len(msg.Tokens))
	e.logger.Info("Sent token list", "tokens", len(msg.Tokens), "scene", msg.Scene.Name)
	return nil
}

func (e *Engine) pushTokenList(ctx context.Context) error {
	return e.SyncTokens(ctx, snapshot.Options{})
}

// SyncPlayers pushes only player tokens.
func (e *Engine) SyncPlayers(ctx context.Context) error {
	return e.SyncTokens(ctx, snapshot.Options{Types: []protocol.TokenType{protocol.TokenPlayer}})
}

// SyncUntracked pushes the tokens no marker drives.
func (e *Engine) SyncUntracked(ctx context.Context) error {
	if !e.transport.Connected() {
		return transport.ErrNotConnected
	}
	msg, err := e.snapshots.Untracked(ctx)
	if err != nil {
		return err
	}
	if err := e.send(msg); err != nil {
		return err
	}
	e.telemetry.SyncPush(protocol.TypeUntrackedTokens, len(msg.Tokens))
	return nil
}

// SyncToken pushes a single token.
func (e *Engine) SyncToken(ctx context.Context, tokenID string) error {
	if !e.transport.Connected() {
		return transport.ErrNotConnected
	}
	msg, err := e.snapshots.TokenSync(ctx, tokenID)
	if err != nil {
		return err
	}
	if err := e.send(msg); err != nil {
		return err
	}
	e.telemetry.SyncPush(protocol.TypeTokenSync, 1)
	return nil
}

// RequestTokenMapping asks the tracking server to bind markers to tokens.
func (e *Engine) RequestTokenMapping(ctx context.Context, tokenIDs ...string) error {
	if !e.transport.Connected() {
		return transport.ErrNotConnected
	}
	msg, err := e.snapshots.MappingRequest(ctx, tokenIDs)
	if err != nil {
		return err
	}
	return e.send(msg)
}

// StartCalibration asks the tracking server to begin camera calibration.
func (e *Engine) StartCalibration() error {
	return e.send(protocol.NewStartCalibration(e.now()))
}

// AssignMarker asks the tracking server to consign a token to a marker.
func (e *Engine) AssignMarker(ctx context.Context, tokenID string) error {
	if !e.transport.Connected() {
		return transport.ErrNotConnected
	}
	scene, err := e.host.ActiveScene(ctx)
	if err != nil {
		return err
	}
	t, err := e.host.Token(ctx, scene.ID, tokenID)
	if err != nil {
		return err
	}
	return e.send(protocol.AssignMarker{
		Type:      protocol.TypeAssignMarker,
		Timestamp: protocol.Millis(e.now()),
		Token: protocol.TokenRef{
			ID:       t.ID,
			Name:     t.Name,
			Position: protocol.Position{X: t.X, Y: t.Y},
		},
	})
}

// StartAutoSync starts periodic pushes. A non-positive interval uses the
// configured one.
func (e *Engine) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.AutoSyncInterval
	}
	e.autosync.Start(interval)
}

func (e *Engine) StopAutoSync() {
	e.autosync.Stop()
}

// ClearTracking drops every marker record and returns how many there were.
func (e *Engine) ClearTracking() int {
	return e.registry.Clear()
}

// Tokens returns the current snapshot of the active scene.
func (e *Engine) Tokens(ctx context.Context, opts snapshot.Options) ([]protocol.TokenSnapshot, error) {
	_, tokens, err := e.snapshots.Snapshot(ctx, opts)
	return tokens, err
}

// Registry exposes the marker registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Shutdown stops every timer, closes the connection and detaches from the
// host bus. The engine is unusable afterwards.
func (e *Engine) Shutdown() {
	e.autosync.Stop()
	e.transport.Disconnect()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.tasks.CancelAll()
	e.cancel()
}
