// Package registry owns the mapping from physical markers to host tokens.
//
// Each marker maps to at most one token and each token is driven by at most
// one marker. The host scene remains the sole owner of token data: the
// registry keeps only ids and timestamps, and heals itself when a token it
// points at has been deleted behind its back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

var (
	// ErrUnknownMarker is carried by results for markers with no record.
	ErrUnknownMarker = errors.New("no such marker")
	// ErrStaleRecord is carried by results for records whose token belongs
	// to a scene that is no longer active. The record is dropped.
	ErrStaleRecord = errors.New("marker record belongs to an inactive scene")
)

// Actions reported on success.
const (
	ActionCreatedPlayer     = "created_player"
	ActionUpdatedExisting   = "updated_existing"
	ActionCreatedStandalone = "created_standalone"
	ActionPositionUpdated   = "position_updated"
	ActionTokenRemoved      = "token_removed"
)

// Host is the part of the host application the registry mutates.
type Host interface {
	host.Scenes
	host.TokenStore
	host.ActorDirectory
}

// Record maps one marker to one token.
type Record struct {
	MarkerID   string
	TokenID    string
	SceneID    string
	Type       protocol.TokenType
	Name       string
	CreatedAt  time.Time
	LastUpdate time.Time
}

// Result is the outcome of one registry operation. Failures are reported
// here rather than returned as errors; Err holds the cause when one exists.
type Result struct {
	Success    bool
	MarkerID   string
	TokenID    string
	Action     string
	Error      string
	Candidates []string
	Err        error
}

// Reply converts the result into the wire reply.
func (r Result) Reply() *protocol.MarkerReply {
	return &protocol.MarkerReply{
		Result:     protocol.Result{Success: r.Success, Error: r.Error},
		MarkerID:   r.MarkerID,
		TokenID:    r.TokenID,
		Action:     r.Action,
		Candidates: r.Candidates,
	}
}

func failure(markerID string, err error, msg string) Result {
	return Result{MarkerID: markerID, Error: msg, Err: err}
}

// Detection is one observed marker.
type Detection struct {
	MarkerID string
	Name     string
	X        float64
	Y        float64
	Type     protocol.TokenType
	Metadata protocol.Metadata
}

// Registry tracks marker records. Operations are serialised; read accessors
// such as IsTracked never wait on an in-flight host call.
type Registry struct {
	host       Host
	logger     *slog.Logger
	now        func() time.Time
	autoCreate atomic.Bool

	opMu sync.Mutex

	mu      sync.RWMutex
	records map[string]Record
	byToken map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithAutoCreate sets whether Detect may create tokens. The default is true.
func WithAutoCreate(enabled bool) Option {
	return func(r *Registry) { r.autoCreate.Store(enabled) }
}

// New creates an empty registry over h.
func New(h Host, opts ...Option) *Registry {
	r := &Registry{
		host:    h,
		logger:  slog.Default(),
		now:     time.Now,
		records: make(map[string]Record),
		byToken: make(map[string]string),
	}
	r.autoCreate.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAutoCreate toggles token creation for unmapped markers.
func (r *Registry) SetAutoCreate(enabled bool) {
	r.autoCreate.Store(enabled)
}

// Detect handles a marker sighting. A marker that is already mapped is
// treated as a position update.
func (r *Registry) Detect(ctx context.Context, d Detection) Result {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if rec, ok := r.Lookup(d.MarkerID); ok {
		if r.inActiveScene(ctx, rec) {
			return r.update(ctx, d.MarkerID, d.X, d.Y, d.Metadata)
		}
		r.dropStale(rec)
	}

	if !r.autoCreate.Load() {
		return failure(d.MarkerID, nil, "Automatic token creation is disabled")
	}

	scene, err := r.host.ActiveScene(ctx)
	if err != nil {
		return failure(d.MarkerID, err, "No active scene")
	}

	typ := d.Type
	if typ == "" {
		typ = protocol.TokenUnknown
	}

	if typ == protocol.TokenPlayer {
		return r.detectPlayer(ctx, scene, d)
	}
	return r.detectStandalone(ctx, scene, d, typ)
}

func (r *Registry) detectPlayer(ctx context.Context, scene host.Scene, d Detection) Result {
	actor, ok, err := r.host.FindActorByName(ctx, d.Name)
	if err != nil {
		r.logger.Error("Actor lookup failed", "name", d.Name, "error", err)
		return failure(d.MarkerID, err, fmt.Sprintf("Actor lookup failed: %v", err))
	}
	if !ok {
		names, err := r.host.ActorNames(ctx)
		if err != nil {
			r.logger.Warn("Could not list actors", "error", err)
		}
		r.logger.Warn("Player actor not found", "name", d.Name, "markerId", d.MarkerID)
		res := failure(d.MarkerID, host.ErrActorNotFound,
			fmt.Sprintf("Player Actor %q not found. Available actors: %s", d.Name, strings.Join(names, ", ")))
		res.Candidates = names
		return res
	}

	now := r.now()
	tracking := &host.Tracking{
		MarkerID:   d.MarkerID,
		Type:       protocol.TokenPlayer,
		CreatedAt:  now.UnixMilli(),
		LastUpdate: now.UnixMilli(),
	}

	tokens, err := r.host.Tokens(ctx, scene.ID)
	if err != nil {
		return failure(d.MarkerID, err, fmt.Sprintf("Could not read scene tokens: %v", err))
	}

	if i := slices.IndexFunc(tokens, func(t host.Token) bool { return t.ActorID == actor.ID }); i >= 0 {
		existing := tokens[i]
		patch := metadataPatch(d.Metadata)
		patch.X, patch.Y = &d.X, &d.Y
		patch.Tracking = tracking

		if _, err := r.host.UpdateToken(ctx, scene.ID, existing.ID, patch); err != nil {
			return failure(d.MarkerID, err, fmt.Sprintf("Failed to update player token: %v", err))
		}
		r.record(Record{
			MarkerID: d.MarkerID, TokenID: existing.ID, SceneID: scene.ID,
			Type: protocol.TokenPlayer, Name: existing.Name, CreatedAt: now, LastUpdate: now,
		})
		r.logger.Info("Updated existing player token", "markerId", d.MarkerID, "tokenId", existing.ID, "actor", actor.Name)
		return Result{Success: true, MarkerID: d.MarkerID, TokenID: existing.ID, Action: ActionUpdatedExisting}
	}

	tok := playerToken(actor, d, tracking)
	created, err := r.host.CreateTokens(ctx, scene.ID, tok)
	if err != nil || len(created) == 0 {
		return failure(d.MarkerID, err, fmt.Sprintf("Failed to create player token: %v", err))
	}

	r.record(Record{
		MarkerID: d.MarkerID, TokenID: created[0].ID, SceneID: scene.ID,
		Type: protocol.TokenPlayer, Name: created[0].Name, CreatedAt: now, LastUpdate: now,
	})
	r.logger.Info("Created player token", "markerId", d.MarkerID, "tokenId", created[0].ID, "actor", actor.Name)
	return Result{Success: true, MarkerID: d.MarkerID, TokenID: created[0].ID, Action: ActionCreatedPlayer}
}

func (r *Registry) detectStandalone(ctx context.Context, scene host.Scene, d Detection, typ protocol.TokenType) Result {
	now := r.now()
	tracking := &host.Tracking{
		MarkerID:   d.MarkerID,
		Type:       typ,
		CreatedAt:  now.UnixMilli(),
		LastUpdate: now.UnixMilli(),
	}

	tok := standaloneToken(d, typ, tracking)
	created, err := r.host.CreateTokens(ctx, scene.ID, tok)
	if err != nil || len(created) == 0 {
		return failure(d.MarkerID, err, fmt.Sprintf("Failed to create token: %v", err))
	}

	r.record(Record{
		MarkerID: d.MarkerID, TokenID: created[0].ID, SceneID: scene.ID,
		Type: typ, Name: created[0].Name, CreatedAt: now, LastUpdate: now,
	})
	r.logger.Info("Created standalone token", "markerId", d.MarkerID, "tokenId", created[0].ID, "type", typ)
	return Result{Success: true, MarkerID: d.MarkerID, TokenID: created[0].ID, Action: ActionCreatedStandalone}
}

// Update moves the token mapped to markerID. A record whose token has gone
// from the scene is dropped and reported as a failure.
func (r *Registry) Update(ctx context.Context, markerID string, x, y float64, meta protocol.Metadata) Result {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.update(ctx, markerID, x, y, meta)
}

func (r *Registry) update(ctx context.Context, markerID string, x, y float64, meta protocol.Metadata) Result {
	rec, ok := r.Lookup(markerID)
	if !ok {
		return failure(markerID, ErrUnknownMarker, fmt.Sprintf("%v: %s", ErrUnknownMarker, markerID))
	}
	if !r.inActiveScene(ctx, rec) {
		r.dropStale(rec)
		return failure(markerID, ErrStaleRecord, fmt.Sprintf("Token %s is not in the active scene", rec.TokenID))
	}

	tok, err := r.host.Token(ctx, rec.SceneID, rec.TokenID)
	if errors.Is(err, host.ErrTokenNotFound) || errors.Is(err, host.ErrSceneNotFound) {
		r.forget(markerID)
		r.logger.Warn("Dropped stale marker record", "markerId", markerID, "tokenId", rec.TokenID)
		return failure(markerID, host.ErrTokenNotFound, fmt.Sprintf("Token %s no longer exists", rec.TokenID))
	}
	if err != nil {
		return failure(markerID, err, fmt.Sprintf("Could not read token %s: %v", rec.TokenID, err))
	}

	now := r.now()
	tracking := host.Tracking{MarkerID: markerID, Type: rec.Type, CreatedAt: rec.CreatedAt.UnixMilli(), LastUpdate: now.UnixMilli()}
	if tok.Tracking != nil && tok.Tracking.MarkerID == markerID {
		tracking.CreatedAt = tok.Tracking.CreatedAt
	}

	patch := metadataPatch(meta)
	patch.X, patch.Y = &x, &y
	patch.Tracking = &tracking

	if _, err := r.host.UpdateToken(ctx, rec.SceneID, rec.TokenID, patch); err != nil {
		if errors.Is(err, host.ErrTokenNotFound) {
			r.forget(markerID)
			return failure(markerID, err, fmt.Sprintf("Token %s no longer exists", rec.TokenID))
		}
		return failure(markerID, err, fmt.Sprintf("Failed to update token %s: %v", rec.TokenID, err))
	}

	r.mu.Lock()
	if cur, ok := r.records[markerID]; ok && cur.TokenID == rec.TokenID {
		cur.LastUpdate = now
		r.records[markerID] = cur
	}
	r.mu.Unlock()

	r.logger.Debug("Updated token position", "markerId", markerID, "tokenId", rec.TokenID, "x", x, "y", y)
	return Result{Success: true, MarkerID: markerID, TokenID: rec.TokenID, Action: ActionPositionUpdated}
}

// inActiveScene reports whether rec's token lives in the active scene. A
// failing scene lookup other than "no active scene" keeps the record.
func (r *Registry) inActiveScene(ctx context.Context, rec Record) bool {
	scene, err := r.host.ActiveScene(ctx)
	if err != nil {
		return !errors.Is(err, host.ErrNoActiveScene)
	}
	return scene.ID == rec.SceneID
}

func (r *Registry) dropStale(rec Record) {
	r.forget(rec.MarkerID)
	r.logger.Warn("Dropped marker record from inactive scene", "markerId", rec.MarkerID, "tokenId", rec.TokenID, "sceneId", rec.SceneID)
}

// Remove deletes the token mapped to markerID and erases the record. The
// record goes even when the token is already gone.
func (r *Registry) Remove(ctx context.Context, markerID string) Result {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	rec, ok := r.Lookup(markerID)
	if !ok {
		return failure(markerID, ErrUnknownMarker, fmt.Sprintf("No token tracked for marker %s", markerID))
	}

	err := r.host.DeleteToken(ctx, rec.SceneID, rec.TokenID)
	if err != nil && !errors.Is(err, host.ErrTokenNotFound) && !errors.Is(err, host.ErrSceneNotFound) {
		r.logger.Warn("Failed to delete token", "markerId", markerID, "tokenId", rec.TokenID, "error", err)
	}
	r.forget(markerID)

	r.logger.Info("Removed marker token", "markerId", markerID, "tokenId", rec.TokenID)
	return Result{Success: true, MarkerID: markerID, TokenID: rec.TokenID, Action: ActionTokenRemoved}
}

// Clear erases every record without touching host tokens. It returns the
// number of records dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	r.records = make(map[string]Record)
	r.byToken = make(map[string]string)
	if n > 0 {
		r.logger.Info("Cleared marker tracking", "records", n)
	}
	return n
}

// Lookup returns the record for markerID.
func (r *Registry) Lookup(markerID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[markerID]
	return rec, ok
}

// ForToken returns the record driving tokenID.
func (r *Registry) ForToken(tokenID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	markerID, ok := r.byToken[tokenID]
	if !ok {
		return Record{}, false
	}
	return r.records[markerID], true
}

// IsTracked reports whether a marker currently drives tokenID.
func (r *Registry) IsTracked(tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byToken[tokenID]
	return ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Records returns every record ordered by marker id.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.MarkerID, b.MarkerID) })
	return out
}

// Status reports every record together with the current state of its token.
func (r *Registry) Status(ctx context.Context) []protocol.TrackedToken {
	records := r.Records()
	out := make([]protocol.TrackedToken, 0, len(records))
	for _, rec := range records {
		tt := protocol.TrackedToken{
			MarkerID:   rec.MarkerID,
			TokenID:    rec.TokenID,
			Type:       rec.Type,
			LastUpdate: rec.LastUpdate.UnixMilli(),
		}
		if tok, err := r.host.Token(ctx, rec.SceneID, rec.TokenID); err == nil {
			tt.Exists = true
			tt.Name = tok.Name
			tt.Position = &protocol.Position{X: tok.X, Y: tok.Y}
		}
		out = append(out, tt)
	}
	return out
}

// record stores rec. A token already driven by another marker is re-bound
// and the old record dropped.
func (r *Registry) record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byToken[rec.TokenID]; ok && prev != rec.MarkerID {
		delete(r.records, prev)
		r.logger.Info("Re-bound token to new marker", "tokenId", rec.TokenID, "from", prev, "to", rec.MarkerID)
	}
	if old, ok := r.records[rec.MarkerID]; ok && old.TokenID != rec.TokenID {
		delete(r.byToken, old.TokenID)
	}
	r.records[rec.MarkerID] = rec
	r.byToken[rec.TokenID] = rec.MarkerID
}

func (r *Registry) forget(markerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[markerID]; ok {
		delete(r.byToken, rec.TokenID)
		delete(r.records, markerID)
	}
}

func metadataPatch(m protocol.Metadata) host.TokenPatch {
	return host.TokenPatch{
		Rotation:  m.Rotation,
		Elevation: m.Elevation,
		Hidden:    m.Hidden,
	}
}
