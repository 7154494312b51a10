// Package sqlhost keeps the host scene in a SQL database through gorm.
package sqlhost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bifrost-vtt/conduit/internal/host"
)

// Store implements host.Host on top of a gorm database. Lifecycle events are
// published on the bus after each committed change.
type Store struct {
	db      *gorm.DB
	bus     *host.Bus
	log     zerolog.Logger
	version string
	now     func() time.Time
}

type Option func(*Store)

func WithVersion(v string) Option {
	return func(s *Store) { s.version = v }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New migrates the schema and returns a store. bus may be nil.
func New(db *gorm.DB, bus *host.Bus, log zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{db: db, bus: bus, log: log, version: "sqlhost", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	log.Info().Msg("Migrating schema")
	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	log.Info().Msg("Database setup complete")
	return s, nil
}

func (s *Store) Version() string { return s.version }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AddScene inserts a scene, assigning an id when empty.
func (s *Store) AddScene(ctx context.Context, scene host.Scene) (host.Scene, error) {
	if scene.ID == "" {
		scene.ID = uuid.NewString()
	}
	row := Scene{
		ID:       scene.ID,
		Name:     scene.Name,
		Width:    scene.Width,
		Height:   scene.Height,
		GridSize: scene.GridSize,
		GridType: scene.GridType,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return host.Scene{}, fmt.Errorf("create scene: %w", err)
	}
	return scene, nil
}

// Activate makes a scene the active one and publishes SceneReady.
func (s *Store) Activate(ctx context.Context, sceneID string) error {
	var row Scene
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", sceneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("activate %s: %w", sceneID, host.ErrSceneNotFound)
			}
			return err
		}
		if err := tx.Model(&Scene{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&Scene{}).Where("id = ?", sceneID).Update("active", true).Error
	})
	if err != nil {
		return err
	}

	s.bus.Publish(host.Event{Kind: host.SceneReady, Scene: sceneFromRow(row)})
	return nil
}

// AddActor inserts an actor, assigning an id when empty.
func (s *Store) AddActor(ctx context.Context, a host.Actor) (host.Actor, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSeq(tx.Model(&Actor{}))
		if err != nil {
			return err
		}
		row := Actor{
			ID:         a.ID,
			Seq:        seq,
			Name:       a.Name,
			NameKey:    host.NameKey(a.Name),
			Type:       a.Type,
			Img:        a.Img,
			Attributes: datatypes.NewJSONType(a.Attributes),
			Items:      a.Items,
			Effects:    a.Effects,
			Prototype:  datatypes.NewJSONType(a.Prototype),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return host.Actor{}, fmt.Errorf("create actor: %w", err)
	}
	return a, nil
}

func nextSeq(q *gorm.DB) (int64, error) {
	var max int64
	if err := q.Select("COALESCE(MAX(seq), 0)").Scan(&max).Error; err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (s *Store) ActiveScene(ctx context.Context) (host.Scene, error) {
	var row Scene
	err := s.db.WithContext(ctx).First(&row, "active = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return host.Scene{}, host.ErrNoActiveScene
	}
	if err != nil {
		return host.Scene{}, err
	}
	return sceneFromRow(row), nil
}

func (s *Store) scene(tx *gorm.DB, sceneID string) (Scene, error) {
	var row Scene
	err := tx.First(&row, "id = ?", sceneID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Scene{}, fmt.Errorf("scene %s: %w", sceneID, host.ErrSceneNotFound)
	}
	return row, err
}

func (s *Store) Tokens(ctx context.Context, sceneID string) ([]host.Token, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.scene(db, sceneID); err != nil {
		return nil, err
	}

	var rows []Token
	if err := db.Where("scene_id = ?", sceneID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]host.Token, 0, len(rows))
	for _, r := range rows {
		out = append(out, tokenFromRow(r))
	}
	return out, nil
}

func (s *Store) token(tx *gorm.DB, sceneID, tokenID string) (Token, error) {
	var row Token
	err := tx.First(&row, "scene_id = ? AND id = ?", sceneID, tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, fmt.Errorf("token %s: %w", tokenID, host.ErrTokenNotFound)
	}
	return row, err
}

func (s *Store) Token(ctx context.Context, sceneID, tokenID string) (host.Token, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.scene(db, sceneID); err != nil {
		return host.Token{}, err
	}
	row, err := s.token(db, sceneID, tokenID)
	if err != nil {
		return host.Token{}, err
	}
	return tokenFromRow(row), nil
}

func (s *Store) CreateTokens(ctx context.Context, sceneID string, tokens ...host.Token) ([]host.Token, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	var (
		scene   Scene
		created []host.Token
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if scene, err = s.scene(tx, sceneID); err != nil {
			return err
		}
		seq, err := nextSeq(tx.Model(&Token{}).Where("scene_id = ?", sceneID))
		if err != nil {
			return err
		}

		now := s.now().UnixMilli()
		rows := make([]Token, 0, len(tokens))
		created = make([]host.Token, 0, len(tokens))
		for i, t := range tokens {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			t.CreatedTime = now
			t.ModifiedTime = now
			row := tokenToRow(sceneID, t)
			row.Seq = seq + int64(i)
			rows = append(rows, row)
			created = append(created, tokenFromRow(row))
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	for _, t := range created {
		s.bus.Publish(host.Event{Kind: host.TokenCreated, Scene: sceneFromRow(scene), Token: t})
	}
	return created, nil
}

func (s *Store) UpdateToken(ctx context.Context, sceneID, tokenID string, patch host.TokenPatch) (host.Token, error) {
	var (
		scene   Scene
		out     host.Token
		changes []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if scene, err = s.scene(tx, sceneID); err != nil {
			return err
		}
		row, err := s.token(tx, sceneID, tokenID)
		if err != nil {
			return err
		}

		out = tokenFromRow(row)
		changes = patch.Apply(&out)
		if len(changes) == 0 {
			return nil
		}
		out.ModifiedTime = s.now().UnixMilli()

		updated := tokenToRow(sceneID, out)
		updated.Seq = row.Seq
		return tx.Save(&updated).Error
	})
	if err != nil {
		return host.Token{}, err
	}

	if len(changes) > 0 {
		s.bus.Publish(host.Event{Kind: host.TokenUpdated, Scene: sceneFromRow(scene), Token: out, Changes: changes})
	}
	return out, nil
}

func (s *Store) DeleteToken(ctx context.Context, sceneID, tokenID string) error {
	var (
		scene Scene
		row   Token
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if scene, err = s.scene(tx, sceneID); err != nil {
			return err
		}
		if row, err = s.token(tx, sceneID, tokenID); err != nil {
			return err
		}
		return tx.Delete(&Token{}, "scene_id = ? AND id = ?", sceneID, tokenID).Error
	})
	if err != nil {
		return err
	}

	s.bus.Publish(host.Event{Kind: host.TokenDeleted, Scene: sceneFromRow(scene), Token: tokenFromRow(row)})
	return nil
}

func (s *Store) FindActorByName(ctx context.Context, name string) (host.Actor, bool, error) {
	var row Actor
	err := s.db.WithContext(ctx).
		Where("name_key = ?", host.NameKey(name)).
		Order("seq").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return host.Actor{}, false, nil
	}
	if err != nil {
		return host.Actor{}, false, err
	}
	return actorFromRow(row), true, nil
}

func (s *Store) Actor(ctx context.Context, id string) (host.Actor, error) {
	var row Actor
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return host.Actor{}, fmt.Errorf("actor %s: %w", id, host.ErrActorNotFound)
	}
	if err != nil {
		return host.Actor{}, err
	}
	return actorFromRow(row), nil
}

func (s *Store) ActorNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Actor{}).Order("seq").Pluck("name", &names).Error
	return names, err
}

var _ host.Host = (*Store)(nil)
