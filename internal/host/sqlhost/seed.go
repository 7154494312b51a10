package sqlhost

import (
	"context"
	"errors"

	"github.com/bifrost-vtt/conduit/internal/host"
)

// DefaultScene is the scene Seed creates in an empty database.
var DefaultScene = host.Scene{Name: "Table", Width: 4000, Height: 3000, GridSize: 100, GridType: 1}

// Seed makes sure a scene is active, creating and activating DefaultScene
// when none is. It returns the active scene.
func Seed(ctx context.Context, s *Store) (host.Scene, error) {
	scene, err := s.ActiveScene(ctx)
	if err == nil {
		return scene, nil
	}
	if !errors.Is(err, host.ErrNoActiveScene) {
		return host.Scene{}, err
	}

	scene, err = s.AddScene(ctx, DefaultScene)
	if err != nil {
		return host.Scene{}, err
	}
	if err := s.Activate(ctx, scene.ID); err != nil {
		return host.Scene{}, err
	}
	s.log.Info().Str("scene", scene.Name).Msg("Seeded default scene")
	return scene, nil
}
