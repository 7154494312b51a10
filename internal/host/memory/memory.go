// internal/host/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-vtt/conduit/internal/host"
)

type sceneRecord struct {
	scene  host.Scene
	tokens map[string]host.Token
	order  []string
}

// Store keeps scenes, tokens and actors in memory and publishes lifecycle
// events on its bus after every committed change.
type Store struct {
	bus     *host.Bus
	version string
	now     func() time.Time

	mu         sync.RWMutex
	scenes     map[string]*sceneRecord
	active     string
	actors     map[string]host.Actor
	actorOrder []string
}

// Option configures a Store.
type Option func(*Store)

// WithVersion sets the host version reported in the handshake.
func WithVersion(v string) Option {
	return func(s *Store) { s.version = v }
}

// WithClock overrides the time source for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store publishing on bus. bus may be nil.
func New(bus *host.Bus, opts ...Option) *Store {
	s := &Store{
		bus:     bus,
		version: "memory",
		now:     time.Now,
		scenes:  make(map[string]*sceneRecord),
		actors:  make(map[string]host.Actor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the host version string.
func (s *Store) Version() string {
	return s.version
}

// AddScene registers a scene, assigning an id when empty.
func (s *Store) AddScene(scene host.Scene) host.Scene {
	if scene.ID == "" {
		scene.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes[scene.ID] = &sceneRecord{scene: scene, tokens: make(map[string]host.Token)}
	return scene
}

// Activate makes a scene the active one and publishes SceneReady.
func (s *Store) Activate(_ context.Context, sceneID string) error {
	s.mu.Lock()
	rec, ok := s.scenes[sceneID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("activate %s: %w", sceneID, host.ErrSceneNotFound)
	}
	s.active = sceneID
	scene := rec.scene
	s.mu.Unlock()

	s.bus.Publish(host.Event{Kind: host.SceneReady, Scene: scene})
	return nil
}

// AddActor registers an actor, assigning an id when empty.
func (s *Store) AddActor(a host.Actor) host.Actor {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actors[a.ID]; !exists {
		s.actorOrder = append(s.actorOrder, a.ID)
	}
	s.actors[a.ID] = a
	return a
}

func (s *Store) ActiveScene(_ context.Context) (host.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.scenes[s.active]
	if !ok {
		return host.Scene{}, host.ErrNoActiveScene
	}
	return rec.scene, nil
}

func (s *Store) sceneLocked(sceneID string) (*sceneRecord, error) {
	rec, ok := s.scenes[sceneID]
	if !ok {
		return nil, fmt.Errorf("scene %s: %w", sceneID, host.ErrSceneNotFound)
	}
	return rec, nil
}

func (s *Store) Tokens(_ context.Context, sceneID string) ([]host.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.sceneLocked(sceneID)
	if err != nil {
		return nil, err
	}
	out := make([]host.Token, 0, len(rec.order))
	for _, id := range rec.order {
		out = append(out, clone(rec.tokens[id]))
	}
	return out, nil
}

func (s *Store) Token(_ context.Context, sceneID, tokenID string) (host.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.sceneLocked(sceneID)
	if err != nil {
		return host.Token{}, err
	}
	t, ok := rec.tokens[tokenID]
	if !ok {
		return host.Token{}, fmt.Errorf("token %s: %w", tokenID, host.ErrTokenNotFound)
	}
	return clone(t), nil
}

func (s *Store) CreateTokens(_ context.Context, sceneID string, tokens ...host.Token) ([]host.Token, error) {
	s.mu.Lock()
	rec, err := s.sceneLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := s.now().UnixMilli()
	created := make([]host.Token, 0, len(tokens))
	for _, t := range tokens {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedTime = now
		t.ModifiedTime = now
		t = clone(t)
		rec.tokens[t.ID] = t
		rec.order = append(rec.order, t.ID)
		created = append(created, clone(t))
	}
	scene := rec.scene
	s.mu.Unlock()

	for _, t := range created {
		s.bus.Publish(host.Event{Kind: host.TokenCreated, Scene: scene, Token: t})
	}
	return created, nil
}

func (s *Store) UpdateToken(_ context.Context, sceneID, tokenID string, patch host.TokenPatch) (host.Token, error) {
	s.mu.Lock()
	rec, err := s.sceneLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return host.Token{}, err
	}
	t, ok := rec.tokens[tokenID]
	if !ok {
		s.mu.Unlock()
		return host.Token{}, fmt.Errorf("token %s: %w", tokenID, host.ErrTokenNotFound)
	}

	changes := patch.Apply(&t)
	if len(changes) > 0 {
		t.ModifiedTime = s.now().UnixMilli()
	}
	rec.tokens[tokenID] = t
	scene := rec.scene
	out := clone(t)
	s.mu.Unlock()

	if len(changes) > 0 {
		s.bus.Publish(host.Event{Kind: host.TokenUpdated, Scene: scene, Token: clone(out), Changes: changes})
	}
	return out, nil
}

func (s *Store) DeleteToken(_ context.Context, sceneID, tokenID string) error {
	s.mu.Lock()
	rec, err := s.sceneLocked(sceneID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t, ok := rec.tokens[tokenID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("token %s: %w", tokenID, host.ErrTokenNotFound)
	}
	delete(rec.tokens, tokenID)
	rec.order = slices.DeleteFunc(rec.order, func(id string) bool { return id == tokenID })
	scene := rec.scene
	s.mu.Unlock()

	s.bus.Publish(host.Event{Kind: host.TokenDeleted, Scene: scene, Token: t})
	return nil
}

func (s *Store) FindActorByName(_ context.Context, name string) (host.Actor, bool, error) {
	key := host.NameKey(name)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.actorOrder {
		if a := s.actors[id]; host.NameKey(a.Name) == key {
			return a, true, nil
		}
	}
	return host.Actor{}, false, nil
}

func (s *Store) Actor(_ context.Context, id string) (host.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actors[id]
	if !ok {
		return host.Actor{}, fmt.Errorf("actor %s: %w", id, host.ErrActorNotFound)
	}
	return a, nil
}

func (s *Store) ActorNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.actorOrder))
	for _, id := range s.actorOrder {
		names = append(names, s.actors[id].Name)
	}
	return names, nil
}

func clone(t host.Token) host.Token {
	if t.Tracking != nil {
		tr := *t.Tracking
		t.Tracking = &tr
	}
	return t
}
