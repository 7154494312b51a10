package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed frame")

// Inbound is the closed set of messages the tracking server may send.
type Inbound interface {
	Kind() string
	inbound()
}

// Frame is a decoded inbound frame.
type Frame struct {
	ID      string
	Message Inbound
}

// Kind returns the message kind, or "" when decoding failed before the body.
func (f Frame) Kind() string {
	if f.Message == nil {
		return ""
	}
	return f.Message.Kind()
}

// MarkerID is an opaque marker identity. On the wire it may be a JSON string
// or a number; both decode to the same textual form.
type MarkerID string

// UnmarshalJSON accepts strings and numbers.
func (m *MarkerID) UnmarshalJSON(data []byte) error {
	s, err := flexString(data)
	if err != nil {
		return fmt.Errorf("marker id: %w", err)
	}
	*m = MarkerID(s)
	return nil
}

// String returns the id text.
func (m MarkerID) String() string { return string(m) }

// correlationID is the frame "id", decoded like a MarkerID.
type correlationID string

func (c *correlationID) UnmarshalJSON(data []byte) error {
	s, err := flexString(data)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*c = correlationID(s)
	return nil
}

func flexString(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", data)
	}
	return n.String(), nil
}

// Metadata carries optional physical properties reported with a marker.
// Nil fields mean "not reported".
type Metadata struct {
	Rotation  *float64 `json:"rotation,omitempty"`
	Elevation *float64 `json:"elevation,omitempty"`
	Hidden    *bool    `json:"hidden,omitempty"`
	Alpha     *float64 `json:"alpha,omitempty"`
	Size      *float64 `json:"size,omitempty"`
	Image     string   `json:"image,omitempty"`
}

// Ping is both the inbound liveness check and the outbound heartbeat.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MarkerEvent is the body shared by marker_detected and marker_updated.
type MarkerEvent struct {
	MarkerID  MarkerID  `json:"marker_id"`
	TokenName string    `json:"token_name"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	TokenType TokenType `json:"token_type"`
	Metadata  Metadata  `json:"metadata"`
}

func (e MarkerEvent) validate() error {
	if e.MarkerID == "" {
		return errors.New("missing marker_id")
	}
	return nil
}

// MarkerDetected reports a marker seen on the table.
type MarkerDetected struct{ MarkerEvent }

// MarkerUpdated reports a new position for a marker.
type MarkerUpdated struct{ MarkerEvent }

// MarkerLost reports a marker that left the table.
type MarkerLost struct {
	MarkerID MarkerID `json:"marker_id"`
}

func (m MarkerLost) validate() error {
	if m.MarkerID == "" {
		return errors.New("missing marker_id")
	}
	return nil
}

// Point is a planar coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is an axis-aligned rectangle in scene coordinates.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CalibrationUpdate carries the camera-to-table calibration.
type CalibrationUpdate struct {
	Corners     []Point `json:"corners"`
	SceneBounds *Bounds `json:"scene_bounds"`
}

// GetSceneInfo requests static scene metadata.
type GetSceneInfo struct{}

// GetTrackedTokens requests the registry status list.
type GetTrackedTokens struct{}

// ClearAllTracking drops every marker mapping.
type ClearAllTracking struct{}

// QueryParameters narrows a token query.
type QueryParameters struct {
	IncludeHidden    *bool       `json:"includeHidden,omitempty"`
	FilterTypes      []TokenType `json:"filterTypes,omitempty"`
	Types            []TokenType `json:"types,omitempty"`
	IncludeActorData *bool       `json:"includeActorData,omitempty"`
}

// QueryTokens asks for a filtered token view.
type QueryTokens struct {
	QueryType  string          `json:"queryType"`
	Parameters QueryParameters `json:"parameters"`
}

// RequestTokenList asks for an asynchronous full snapshot push.
type RequestTokenList struct {
	Parameters QueryParameters `json:"parameters"`
}

// RemoteToken is the tracking server's view of a token.
type RemoteToken struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Type     TokenType `json:"type,omitempty"`
	Position Position  `json:"position"`
}

// CompareTokenState asks for a reconciliation diff.
type CompareTokenState struct {
	Tokens []RemoteToken `json:"tokens"`
}

// Unknown is any frame whose kind is not recognised.
type Unknown struct {
	Type string
}

func (Ping) Kind() string              { return TypePing }
func (MarkerDetected) Kind() string    { return TypeMarkerDetected }
func (MarkerUpdated) Kind() string     { return TypeMarkerUpdated }
func (MarkerLost) Kind() string        { return TypeMarkerLost }
func (CalibrationUpdate) Kind() string { return TypeCalibrationUpdate }
func (GetSceneInfo) Kind() string      { return TypeGetSceneInfo }
func (GetTrackedTokens) Kind() string  { return TypeGetTrackedTokens }
func (ClearAllTracking) Kind() string  { return TypeClearAllTracking }
func (QueryTokens) Kind() string       { return TypeQueryTokens }
func (RequestTokenList) Kind() string  { return TypeRequestTokenList }
func (CompareTokenState) Kind() string { return TypeCompareTokenState }
func (u Unknown) Kind() string         { return u.Type }

func (Ping) inbound()              {}
func (MarkerDetected) inbound()    {}
func (MarkerUpdated) inbound()     {}
func (MarkerLost) inbound()        {}
func (CalibrationUpdate) inbound() {}
func (GetSceneInfo) inbound()      {}
func (GetTrackedTokens) inbound()  {}
func (ClearAllTracking) inbound()  {}
func (QueryTokens) inbound()       {}
func (RequestTokenList) inbound()  {}
func (CompareTokenState) inbound() {}
func (Unknown) inbound()           {}

type header struct {
	Type string        `json:"type"`
	ID   correlationID `json:"id"`
}

// Decode parses one inbound frame. When the header parses but the body does
// not, the returned Frame still carries the correlation id so the caller can
// answer with a failure.
func Decode(data []byte) (Frame, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	f := Frame{ID: string(h.ID)}
	if h.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg, err := decodeBody(h.Type, data)
	if err != nil {
		return f, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	f.Message = msg
	return f, nil
}

// InboundKinds lists every kind Decode turns into a typed message.
var InboundKinds = []string{
	TypePing,
	TypeMarkerDetected,
	TypeMarkerUpdated,
	TypeMarkerLost,
	TypeCalibrationUpdate,
	TypeGetSceneInfo,
	TypeGetTrackedTokens,
	TypeClearAllTracking,
	TypeQueryTokens,
	TypeRequestTokenList,
	TypeCompareTokenState,
}

func decodeBody(kind string, data []byte) (Inbound, error) {
	switch kind {
	case TypePing:
		return decodeAs[Ping](data)
	case TypeMarkerDetected:
		return decodeAs[MarkerDetected](data)
	case TypeMarkerUpdated:
		return decodeAs[MarkerUpdated](data)
	case TypeMarkerLost:
		return decodeAs[MarkerLost](data)
	case TypeCalibrationUpdate:
		return decodeAs[CalibrationUpdate](data)
	case TypeGetSceneInfo:
		return GetSceneInfo{}, nil
	case TypeGetTrackedTokens:
		return GetTrackedTokens{}, nil
	case TypeClearAllTracking:
		return ClearAllTracking{}, nil
	case TypeQueryTokens:
		return decodeAs[QueryTokens](data)
	case TypeRequestTokenList:
		return decodeAs[RequestTokenList](data)
	case TypeCompareTokenState:
		return decodeAs[CompareTokenState](data)
	default:
		return Unknown{Type: kind}, nil
	}
}

func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if v, ok := any(msg).(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
