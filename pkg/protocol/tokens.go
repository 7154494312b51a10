package protocol

import "strings"

// TokenType is the semantic classification of a token.
type TokenType string

const (
	TokenPlayer  TokenType = "player"
	TokenEnemy   TokenType = "enemy"
	TokenItem    TokenType = "item"
	TokenNPC     TokenType = "npc"
	TokenUnknown TokenType = "unknown"
	TokenCustom  TokenType = "custom"
	TokenCorner  TokenType = "corner"
	TokenAlly    TokenType = "ally"
)

// ParseTokenType normalises a reported type. Empty input is unknown; any
// other unrecognised value is kept verbatim as a custom type name.
func ParseTokenType(s string) TokenType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TokenUnknown
	}
	return TokenType(s)
}

// Position is a token's scene coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TokenProperties is the geometry of a token.
type TokenProperties struct {
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Rotation  float64 `json:"rotation"`
	Elevation float64 `json:"elevation"`
	Hidden    bool    `json:"hidden"`
	Locked    bool    `json:"locked"`
}

// TokenDisplay is how a token is drawn.
type TokenDisplay struct {
	Img         string  `json:"img"`
	Scale       float64 `json:"scale"`
	Alpha       float64 `json:"alpha"`
	Disposition int     `json:"disposition"`
}

// TokenVision is a token's sight and light settings.
type TokenVision struct {
	Vision      bool    `json:"vision"`
	BrightSight float64 `json:"brightSight"`
	DimSight    float64 `json:"dimSight"`
	BrightLight float64 `json:"brightLight"`
	DimLight    float64 `json:"dimLight"`
}

// ActorSummary describes the actor behind a token.
type ActorSummary struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	IsLinked   bool           `json:"isLinked"`
	Img        string         `json:"img"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Items      int            `json:"items"`
	Effects    int            `json:"effects"`
}

// MarkerInfo is the tracking metadata stored on a token.
type MarkerInfo struct {
	MarkerID   string    `json:"markerId"`
	Type       TokenType `json:"type"`
	CreatedAt  int64     `json:"createdAt"`
	LastUpdate int64     `json:"lastUpdate"`
}

// TrackingInfo tells the tracking server whether a marker drives the token.
type TrackingInfo struct {
	IsTracked  bool        `json:"isTracked"`
	Marker     *MarkerInfo `json:"arUcoMarker"`
	LastUpdate *int64      `json:"lastUpdate"`
	CreatedBy  string      `json:"createdBy"`
}

// TokenSnapshot is a read-only projection of one host token.
type TokenSnapshot struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         TokenType       `json:"type"`
	Position     Position        `json:"position"`
	Properties   TokenProperties `json:"properties"`
	Display      TokenDisplay    `json:"display"`
	Vision       TokenVision     `json:"vision"`
	Actor        *ActorSummary   `json:"actor"`
	Tracking     TrackingInfo    `json:"bifrost"`
	CreatedTime  int64           `json:"createdTime,omitempty"`
	ModifiedTime int64           `json:"modifiedTime,omitempty"`
}

// SceneDimensions is the size of a scene.
type SceneDimensions struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	GridSize float64 `json:"gridSize"`
}

// SceneRef identifies the scene a snapshot was taken from.
type SceneRef struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Dimensions *SceneDimensions `json:"dimensions,omitempty"`
}

// Summary aggregates a token list.
type Summary struct {
	Total     int               `json:"total"`
	ByType    map[TokenType]int `json:"byType"`
	Tracked   int               `json:"tracked"`
	Untracked int               `json:"untracked"`
}

// PositionMismatch is a token whose local and remote positions disagree.
type PositionMismatch struct {
	Token          TokenSnapshot `json:"token"`
	RemotePosition Position      `json:"remotePosition"`
	LocalPosition  Position      `json:"localPosition"`
	Difference     float64       `json:"difference"`
}

// Comparison partitions local and remote token views.
type Comparison struct {
	OnlyLocal          []TokenSnapshot    `json:"only_local"`
	OnlyRemote         []RemoteToken      `json:"only_remote"`
	PositionMismatches []PositionMismatch `json:"position_mismatches"`
	InSync             []TokenSnapshot    `json:"in_sync"`
}
