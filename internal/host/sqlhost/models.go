package sqlhost

import (
	"time"

	"gorm.io/datatypes"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// Scene is a row of scenes. At most one row is active.
type Scene struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Width     float64
	Height    float64
	GridSize  float64
	GridType  int
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Scene) TableName() string { return "scenes" }

// Token is a row of tokens. Seq keeps creation order within a scene.
type Token struct {
	ID      string `gorm:"primaryKey;size:64"`
	SceneID string `gorm:"index;size:64;not null"`
	Seq     int64  `gorm:"index"`

	Name      string `gorm:"size:255"`
	X         float64
	Y         float64
	Width     float64
	Height    float64
	Rotation  float64
	Elevation float64
	Hidden    bool
	Locked    bool

	Img         string `gorm:"size:512"`
	Scale       float64
	Alpha       float64
	Disposition int
	Vision      bool
	BrightSight float64
	DimSight    float64
	BrightLight float64
	DimLight    float64

	ActorID    string `gorm:"size:64;index"`
	ActorLink  bool
	Kind       string `gorm:"size:32"`
	Standalone bool
	Physical   bool

	Tracking datatypes.JSONType[*host.Tracking]

	CreatedTime  int64
	ModifiedTime int64
}

func (Token) TableName() string { return "tokens" }

// Actor is a row of actors.
type Actor struct {
	ID         string `gorm:"primaryKey;size:64"`
	Seq        int64  `gorm:"index"`
	Name       string `gorm:"size:255"`
	NameKey    string `gorm:"size:255;index"`
	Type       string `gorm:"size:64"`
	Img        string `gorm:"size:512"`
	Attributes datatypes.JSONType[map[string]any]
	Items      int
	Effects    int
	Prototype  datatypes.JSONType[host.Token]
}

func (Actor) TableName() string { return "actors" }

// Models lists every table the store migrates.
var Models = []any{&Scene{}, &Token{}, &Actor{}}

func sceneFromRow(r Scene) host.Scene {
	return host.Scene{
		ID:       r.ID,
		Name:     r.Name,
		Width:    r.Width,
		Height:   r.Height,
		GridSize: r.GridSize,
		GridType: r.GridType,
	}
}

func tokenFromRow(r Token) host.Token {
	return host.Token{
		ID:           r.ID,
		Name:         r.Name,
		X:            r.X,
		Y:            r.Y,
		Width:        r.Width,
		Height:       r.Height,
		Rotation:     r.Rotation,
		Elevation:    r.Elevation,
		Hidden:       r.Hidden,
		Locked:       r.Locked,
		Img:          r.Img,
		Scale:        r.Scale,
		Alpha:        r.Alpha,
		Disposition:  host.Disposition(r.Disposition),
		Vision:       r.Vision,
		BrightSight:  r.BrightSight,
		DimSight:     r.DimSight,
		BrightLight:  r.BrightLight,
		DimLight:     r.DimLight,
		ActorID:      r.ActorID,
		ActorLink:    r.ActorLink,
		Kind:         protocol.TokenType(r.Kind),
		Standalone:   r.Standalone,
		Physical:     r.Physical,
		Tracking:     r.Tracking.Data(),
		CreatedTime:  r.CreatedTime,
		ModifiedTime: r.ModifiedTime,
	}
}

func tokenToRow(sceneID string, t host.Token) Token {
	return Token{
		ID:           t.ID,
		SceneID:      sceneID,
		Name:         t.Name,
		X:            t.X,
		Y:            t.Y,
		Width:        t.Width,
		Height:       t.Height,
		Rotation:     t.Rotation,
		Elevation:    t.Elevation,
		Hidden:       t.Hidden,
		Locked:       t.Locked,
		Img:          t.Img,
		Scale:        t.Scale,
		Alpha:        t.Alpha,
		Disposition:  int(t.Disposition),
		Vision:       t.Vision,
		BrightSight:  t.BrightSight,
		DimSight:     t.DimSight,
		BrightLight:  t.BrightLight,
		DimLight:     t.DimLight,
		ActorID:      t.ActorID,
		ActorLink:    t.ActorLink,
		Kind:         string(t.Kind),
		Standalone:   t.Standalone,
		Physical:     t.Physical,
		Tracking:     datatypes.NewJSONType(t.Tracking),
		CreatedTime:  t.CreatedTime,
		ModifiedTime: t.ModifiedTime,
	}
}

func actorFromRow(r Actor) host.Actor {
	return host.Actor{
		ID:         r.ID,
		Name:       r.Name,
		Type:       r.Type,
		Img:        r.Img,
		Attributes: r.Attributes.Data(),
		Items:      r.Items,
		Effects:    r.Effects,
		Prototype:  r.Prototype.Data(),
	}
}
