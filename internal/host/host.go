package host

import (
	"context"
	"errors"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

var (
	ErrNoActiveScene = errors.New("no active scene")
	ErrSceneNotFound = errors.New("scene not found")
	ErrTokenNotFound = errors.New("token not found")
	ErrActorNotFound = errors.New("actor not found")
)

// Disposition is a token's attitude toward the players.
type Disposition int

const (
	Hostile  Disposition = -1
	Neutral  Disposition = 0
	Friendly Disposition = 1
)

// Scene is the host's active play surface.
type Scene struct {
	ID       string
	Name     string
	Width    float64
	Height   float64
	GridSize float64
	GridType int
}

// Tracking is the marker metadata stored on a token so a mapping can be
// recognised again after the registry has been cleared.
type Tracking struct {
	MarkerID   string             `json:"markerId"`
	Type       protocol.TokenType `json:"type"`
	CreatedAt  int64              `json:"createdAt"`
	LastUpdate int64              `json:"lastUpdate"`
}

// Token is a host token. Width and Height are in grid units; X and Y in
// scene pixels.
type Token struct {
	ID        string
	Name      string
	X         float64
	Y         float64
	Width     float64
	Height    float64
	Rotation  float64
	Elevation float64
	Hidden    bool
	Locked    bool

	Img         string
	Scale       float64
	Alpha       float64
	Disposition Disposition

	Vision      bool
	BrightSight float64
	DimSight    float64
	BrightLight float64
	DimLight    float64

	ActorID   string
	ActorLink bool

	// Flags set on tokens created for standalone markers.
	Kind       protocol.TokenType
	Standalone bool
	Physical   bool

	Tracking *Tracking

	CreatedTime  int64
	ModifiedTime int64
}

// Actor is a host character or creature sheet.
type Actor struct {
	ID         string
	Name       string
	Type       string
	Img        string
	Attributes map[string]any
	Items      int
	Effects    int

	// Prototype is the actor's default token template.
	Prototype Token
}

// Changed field names reported on TokenUpdated events.
const (
	FieldX         = "x"
	FieldY         = "y"
	FieldName      = "name"
	FieldHidden    = "hidden"
	FieldRotation  = "rotation"
	FieldElevation = "elevation"
	FieldAlpha     = "alpha"
	FieldTracking  = "flags"
)

// TokenPatch lists token fields to change. Nil fields are left alone.
type TokenPatch struct {
	Name      *string
	X         *float64
	Y         *float64
	Rotation  *float64
	Elevation *float64
	Hidden    *bool
	Alpha     *float64
	Tracking  *Tracking
}

// Apply writes the patch onto t and returns the names of fields whose value changed.
func (p TokenPatch) Apply(t *Token) []string {
	var changed []string
	setString := func(field string, dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, field)
		}
	}
	setFloat := func(field string, dst *float64, v *float64) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, field)
		}
	}

	setString(FieldName, &t.Name, p.Name)
	setFloat(FieldX, &t.X, p.X)
	setFloat(FieldY, &t.Y, p.Y)
	setFloat(FieldRotation, &t.Rotation, p.Rotation)
	setFloat(FieldElevation, &t.Elevation, p.Elevation)
	setFloat(FieldAlpha, &t.Alpha, p.Alpha)
	if p.Hidden != nil && t.Hidden != *p.Hidden {
		t.Hidden = *p.Hidden
		changed = append(changed, FieldHidden)
	}
	if p.Tracking != nil {
		tr := *p.Tracking
		t.Tracking = &tr
		changed = append(changed, FieldTracking)
	}
	return changed
}

// Scenes exposes the active scene.
type Scenes interface {
	ActiveScene(ctx context.Context) (Scene, error)
}

// TokenStore reads and mutates the tokens of a scene. Implementations are
// shared with the rest of the host and may change between calls.
type TokenStore interface {
	Tokens(ctx context.Context, sceneID string) ([]Token, error)
	Token(ctx context.Context, sceneID, tokenID string) (Token, error)
	CreateTokens(ctx context.Context, sceneID string, tokens ...Token) ([]Token, error)
	UpdateToken(ctx context.Context, sceneID, tokenID string, patch TokenPatch) (Token, error)
	DeleteToken(ctx context.Context, sceneID, tokenID string) error
}

// NameKey is the form actor names are matched on: NFC-normalised and
// Unicode case-folded, so "ÆRWYN" and "ærwyn" share a key.
func NameKey(name string) string {
	return cases.Fold().String(norm.NFC.String(name))
}

// ActorDirectory looks actors up.
type ActorDirectory interface {
	// FindActorByName matches exactly on NameKey.
	FindActorByName(ctx context.Context, name string) (Actor, bool, error)
	Actor(ctx context.Context, id string) (Actor, error)
	ActorNames(ctx context.Context) ([]string, error)
}

// Host is everything the engine consumes from the host application.
type Host interface {
	Scenes
	TokenStore
	ActorDirectory
	Version() string
}

// Settings persists the small configuration blob owned by the host.
type Settings interface {
	Calibration() map[string]any
	SetCalibration(data map[string]any) error
}
