// Package snapshot projects the host scene into wire token views and
// reconciles them against the tracking server's view.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// Source is the read side of the host.
type Source interface {
	host.Scenes
	host.TokenStore
	Actor(ctx context.Context, id string) (host.Actor, error)
}

// Tracker tells whether a marker currently drives a token.
type Tracker interface {
	IsTracked(tokenID string) bool
}

// Options narrows a snapshot.
type Options struct {
	IncludeHidden bool
	// Types keeps only tokens of these types. Nil keeps all; an empty
	// non-nil slice keeps none.
	Types            []protocol.TokenType
	ExcludeActorData bool
}

// OptionsFrom converts wire query parameters. Hidden tokens are excluded
// and actor data included unless the parameters say otherwise.
func OptionsFrom(p protocol.QueryParameters) Options {
	opts := Options{Types: p.FilterTypes}
	if p.IncludeHidden != nil {
		opts.IncludeHidden = *p.IncludeHidden
	}
	if p.IncludeActorData != nil {
		opts.ExcludeActorData = !*p.IncludeActorData
	}
	return opts
}

// Builder produces snapshots of the active scene.
type Builder struct {
	src     Source
	tracker Tracker
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Builder)

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func New(src Source, tracker Tracker, opts ...Option) *Builder {
	b := &Builder{src: src, tracker: tracker, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Classify derives a token's semantic type. Explicit tracking metadata wins,
// then the linked actor, then the token name.
func Classify(t host.Token, actor *host.Actor) protocol.TokenType {
	if t.Tracking != nil && t.Tracking.Type != "" {
		return t.Tracking.Type
	}
	if t.Kind != "" {
		return t.Kind
	}

	if t.ActorLink && actor != nil {
		switch actor.Type {
		case "character":
			return protocol.TokenPlayer
		case "npc":
			switch t.Disposition {
			case host.Friendly:
				return protocol.TokenAlly
			case host.Hostile:
				return protocol.TokenEnemy
			default:
				return protocol.TokenNPC
			}
		default:
			return protocol.ParseTokenType(actor.Type)
		}
	}

	if t.ActorID == "" {
		name := strings.ToLower(t.Name)
		switch {
		case strings.Contains(name, "player") || strings.Contains(name, "pc"):
			return protocol.TokenPlayer
		case strings.Contains(name, "item") || strings.Contains(name, "treasure"):
			return protocol.TokenItem
		case t.Disposition == host.Hostile:
			return protocol.TokenEnemy
		}
	}
	return protocol.TokenUnknown
}

func (b *Builder) actorFor(ctx context.Context, t host.Token) *host.Actor {
	if t.ActorID == "" {
		return nil
	}
	a, err := b.src.Actor(ctx, t.ActorID)
	if err != nil {
		b.logger.Debug("Token actor unavailable", "tokenId", t.ID, "actorId", t.ActorID, "error", err)
		return nil
	}
	return &a
}

func (b *Builder) project(ctx context.Context, t host.Token, opts Options) (protocol.TokenSnapshot, bool) {
	if !opts.IncludeHidden && t.Hidden {
		return protocol.TokenSnapshot{}, false
	}

	actor := b.actorFor(ctx, t)
	typ := Classify(t, actor)
	if opts.Types != nil && !slices.Contains(opts.Types, typ) {
		return protocol.TokenSnapshot{}, false
	}

	s := protocol.TokenSnapshot{
		ID:       t.ID,
		Name:     t.Name,
		Type:     typ,
		Position: protocol.Position{X: t.X, Y: t.Y},
		Properties: protocol.TokenProperties{
			Width:     t.Width,
			Height:    t.Height,
			Rotation:  t.Rotation,
			Elevation: t.Elevation,
			Hidden:    t.Hidden,
			Locked:    t.Locked,
		},
		Display: protocol.TokenDisplay{
			Img:         t.Img,
			Scale:       t.Scale,
			Alpha:       t.Alpha,
			Disposition: int(t.Disposition),
		},
		Vision: protocol.TokenVision{
			Vision:      t.Vision,
			BrightSight: t.BrightSight,
			DimSight:    t.DimSight,
			BrightLight: t.BrightLight,
			DimLight:    t.DimLight,
		},
		Tracking: protocol.TrackingInfo{
			IsTracked: b.tracker != nil && b.tracker.IsTracked(t.ID),
			CreatedBy: "manual",
		},
		CreatedTime:  t.CreatedTime,
		ModifiedTime: t.ModifiedTime,
	}

	if tr := t.Tracking; tr != nil {
		s.Tracking.Marker = &protocol.MarkerInfo{
			MarkerID:   tr.MarkerID,
			Type:       tr.Type,
			CreatedAt:  tr.CreatedAt,
			LastUpdate: tr.LastUpdate,
		}
		last := tr.LastUpdate
		s.Tracking.LastUpdate = &last
		if tr.Type != "" {
			s.Tracking.CreatedBy = string(tr.Type)
		}
	}

	if actor != nil && !opts.ExcludeActorData {
		s.Actor = &protocol.ActorSummary{
			ID:         actor.ID,
			Name:       actor.Name,
			Type:       actor.Type,
			IsLinked:   t.ActorLink,
			Img:        actor.Img,
			Attributes: actor.Attributes,
			Items:      actor.Items,
			Effects:    actor.Effects,
		}
	}
	return s, true
}

// Snapshot projects the active scene's tokens through opts.
func (b *Builder) Snapshot(ctx context.Context, opts Options) (host.Scene, []protocol.TokenSnapshot, error) {
	scene, err := b.src.ActiveScene(ctx)
	if err != nil {
		return host.Scene{}, nil, err
	}
	tokens, err := b.src.Tokens(ctx, scene.ID)
	if err != nil {
		return scene, nil, fmt.Errorf("list tokens: %w", err)
	}

	out := make([]protocol.TokenSnapshot, 0, len(tokens))
	for _, t := range tokens {
		if s, ok := b.project(ctx, t, opts); ok {
			out = append(out, s)
		}
	}
	return scene, out, nil
}

// Summarize counts tokens by type and tracking state.
func Summarize(tokens []protocol.TokenSnapshot) protocol.Summary {
	sum := protocol.Summary{Total: len(tokens), ByType: make(map[protocol.TokenType]int)}
	for _, t := range tokens {
		sum.ByType[t.Type]++
		if t.Tracking.IsTracked {
			sum.Tracked++
		} else {
			sum.Untracked++
		}
	}
	return sum
}

func sceneRef(s host.Scene) protocol.SceneRef {
	return protocol.SceneRef{
		ID:   s.ID,
		Name: s.Name,
		Dimensions: &protocol.SceneDimensions{
			Width:    s.Width,
			Height:   s.Height,
			GridSize: s.GridSize,
		},
	}
}

// TokenListUpdate builds the full snapshot push. requestID is echoed when set.
func (b *Builder) TokenListUpdate(ctx context.Context, opts Options, requestID string) (protocol.TokenListUpdate, error) {
	scene, tokens, err := b.Snapshot(ctx, opts)
	if err != nil {
		return protocol.TokenListUpdate{}, err
	}
	return protocol.TokenListUpdate{
		Type:      protocol.TypeTokenListUpdate,
		Timestamp: protocol.Millis(b.now()),
		RequestID: requestID,
		Scene:     sceneRef(scene),
		Tokens:    tokens,
		Summary:   Summarize(tokens),
	}, nil
}

// Untracked builds the untracked_tokens message with default options.
func (b *Builder) Untracked(ctx context.Context) (protocol.UntrackedTokens, error) {
	scene, tokens, err := b.Snapshot(ctx, Options{})
	if err != nil {
		return protocol.UntrackedTokens{}, err
	}
	return protocol.UntrackedTokens{
		Type:      protocol.TypeUntrackedTokens,
		Timestamp: protocol.Millis(b.now()),
		SceneID:   scene.ID,
		Tokens:    untracked(tokens),
	}, nil
}

func untracked(tokens []protocol.TokenSnapshot) []protocol.TokenSnapshot {
	out := make([]protocol.TokenSnapshot, 0, len(tokens))
	for _, t := range tokens {
		if !t.Tracking.IsTracked {
			out = append(out, t)
		}
	}
	return out
}

// TokenSync builds the token_sync message for one token, hidden or not.
func (b *Builder) TokenSync(ctx context.Context, tokenID string) (protocol.TokenSync, error) {
	scene, err := b.src.ActiveScene(ctx)
	if err != nil {
		return protocol.TokenSync{}, err
	}
	t, err := b.src.Token(ctx, scene.ID, tokenID)
	if err != nil {
		return protocol.TokenSync{}, err
	}
	s, _ := b.project(ctx, t, Options{IncludeHidden: true})
	return protocol.NewTokenSync(s, b.now()), nil
}

// SceneInfo returns the static metadata of the active scene.
func (b *Builder) SceneInfo(ctx context.Context) (protocol.SceneInfo, error) {
	scene, err := b.src.ActiveScene(ctx)
	if err != nil {
		return protocol.SceneInfo{}, err
	}
	tokens, err := b.src.Tokens(ctx, scene.ID)
	if err != nil {
		return protocol.SceneInfo{}, fmt.Errorf("list tokens: %w", err)
	}
	return protocol.SceneInfo{
		ID:         scene.ID,
		Name:       scene.Name,
		Width:      scene.Width,
		Height:     scene.Height,
		GridSize:   scene.GridSize,
		GridType:   scene.GridType,
		TokenCount: len(tokens),
	}, nil
}
