package registry

import (
	"fmt"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// Preset is the default look of a standalone token of one type.
type Preset struct {
	Img         string
	Size        float64
	Disposition host.Disposition
	Vision      bool
}

var presets = map[protocol.TokenType]Preset{
	protocol.TokenEnemy:   {Img: "icons/svg/mystery-man-red.svg", Size: 1, Disposition: host.Hostile},
	protocol.TokenItem:    {Img: "icons/svg/item-bag.svg", Size: 0.5, Disposition: host.Neutral},
	protocol.TokenNPC:     {Img: "icons/svg/mystery-man.svg", Size: 1, Disposition: host.Neutral},
	protocol.TokenUnknown: {Img: "icons/svg/hazard.svg", Size: 1, Disposition: host.Neutral},
}

// PresetFor returns the preset for typ; unlisted types use the unknown preset.
func PresetFor(typ protocol.TokenType) Preset {
	if p, ok := presets[typ]; ok {
		return p
	}
	return presets[protocol.TokenUnknown]
}

func deref[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

func standaloneToken(d Detection, typ protocol.TokenType, tracking *host.Tracking) host.Token {
	p := PresetFor(typ)

	name := d.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", typ, d.MarkerID)
	}
	img := p.Img
	if d.Metadata.Image != "" {
		img = d.Metadata.Image
	}
	size := deref(d.Metadata.Size, p.Size)

	return host.Token{
		Name:        name,
		X:           d.X,
		Y:           d.Y,
		Width:       size,
		Height:      size,
		Rotation:    deref(d.Metadata.Rotation, 0),
		Elevation:   deref(d.Metadata.Elevation, 0),
		Hidden:      deref(d.Metadata.Hidden, false),
		Img:         img,
		Scale:       1,
		Alpha:       deref(d.Metadata.Alpha, 1),
		Disposition: p.Disposition,
		Vision:      p.Vision,
		Kind:        typ,
		Standalone:  true,
		Physical:    true,
		Tracking:    tracking,
	}
}

func playerToken(actor host.Actor, d Detection, tracking *host.Tracking) host.Token {
	tok := actor.Prototype
	tok.ID = ""
	if tok.Name == "" {
		tok.Name = actor.Name
	}
	if tok.Img == "" {
		tok.Img = actor.Img
	}
	if tok.Width == 0 {
		tok.Width = 1
	}
	if tok.Height == 0 {
		tok.Height = 1
	}
	if tok.Scale == 0 {
		tok.Scale = 1
	}
	if tok.Alpha == 0 {
		tok.Alpha = 1
	}

	tok.X, tok.Y = d.X, d.Y
	tok.Rotation = deref(d.Metadata.Rotation, 0)
	tok.Hidden = deref(d.Metadata.Hidden, false)
	tok.Elevation = deref(d.Metadata.Elevation, 0)
	tok.ActorID = actor.ID
	tok.ActorLink = true
	tok.Disposition = host.Friendly
	tok.Vision = true
	tok.Kind = protocol.TokenPlayer
	tok.Physical = true
	tok.Tracking = tracking
	return tok
}
