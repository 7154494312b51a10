// Package protocol defines the JSON frames exchanged with the tracking server.
//
// Every frame is an object with a "type" discriminator and an optional "id"
// correlation token. Inbound frames decode into a closed set of message types
// (see Decode); outbound frames are plain structs carrying their own type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client identity announced in the handshake.
const (
	ClientName = "bifrost"
	Version    = "1.0.0"
)

// Outbound message kinds.
const (
	TypeHandshake           = "handshake"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeSceneChanged        = "scene_changed"
	TypeTokenSync           = "token_sync"
	TypeTokenDeleted        = "token_deleted"
	TypeTokenListUpdate     = "token_list_update"
	TypeUntrackedTokens     = "untracked_tokens"
	TypeRequestTokenMapping = "request_token_mapping"
	TypeStartCalibration    = "start_calibration"
	TypeAssignMarker        = "assign_marker_to_token"
)

// Inbound message kinds.
const (
	TypeMarkerDetected    = "marker_detected"
	TypeMarkerUpdated     = "marker_updated"
	TypeMarkerLost        = "marker_lost"
	TypeCalibrationUpdate = "calibration_update"
	TypeGetSceneInfo      = "get_scene_info"
	TypeGetTrackedTokens  = "get_tracked_tokens"
	TypeClearAllTracking  = "clear_all_tracking"
	TypeQueryTokens       = "query_tokens"
	TypeRequestTokenList  = "request_token_list"
	TypeCompareTokenState = "compare_token_state"
)

// Millis converts t to epoch milliseconds, the wire timestamp format.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Kinded is implemented by every outbound message.
type Kinded interface {
	Kind() string
}

// KindOf returns the message kind of v, or "reply" for correlated replies
// that carry no type of their own.
func KindOf(v any) string {
	if k, ok := v.(Kinded); ok {
		return k.Kind()
	}
	return "reply"
}

// Handshake is the first frame sent after the socket opens.
type Handshake struct {
	Type        string `json:"type"`
	Client      string `json:"client"`
	Version     string `json:"version"`
	HostVersion string `json:"host_version,omitempty"`
	SceneID     string `json:"scene_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func (Handshake) Kind() string { return TypeHandshake }

// NewHandshake builds the handshake for the given host version and scene.
func NewHandshake(hostVersion, sceneID string, now time.Time) Handshake {
	return Handshake{
		Type:        TypeHandshake,
		Client:      ClientName,
		Version:     Version,
		HostVersion: hostVersion,
		SceneID:     sceneID,
		Timestamp:   Millis(now),
	}
}

// NewPing builds a heartbeat ping.
func NewPing(now time.Time) Ping {
	return Ping{Type: TypePing, Timestamp: Millis(now)}
}

// Pong answers an inbound ping.
type Pong struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (Pong) Kind() string { return TypePong }

// Correlate tags the pong with the ping's id.
func (p *Pong) Correlate(id string) { p.ID = id }

// NewPong builds a pong stamped with now.
func NewPong(now time.Time) *Pong {
	return &Pong{Type: TypePong, Timestamp: Millis(now)}
}

// SceneChanged announces a newly activated scene.
type SceneChanged struct {
	Type      string `json:"type"`
	SceneID   string `json:"scene_id"`
	SceneName string `json:"scene_name"`
	Timestamp int64  `json:"timestamp"`
}

func (SceneChanged) Kind() string { return TypeSceneChanged }

// NewSceneChanged builds a scene_changed frame.
func NewSceneChanged(sceneID, sceneName string, now time.Time) SceneChanged {
	return SceneChanged{Type: TypeSceneChanged, SceneID: sceneID, SceneName: sceneName, Timestamp: Millis(now)}
}

// TokenSync carries the state of a single token.
type TokenSync struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Token     TokenSnapshot `json:"token"`
}

func (TokenSync) Kind() string { return TypeTokenSync }

// NewTokenSync builds a token_sync frame.
func NewTokenSync(token TokenSnapshot, now time.Time) TokenSync {
	return TokenSync{Type: TypeTokenSync, Timestamp: Millis(now), Token: token}
}

// TokenDeleted reports a token removed from the scene.
type TokenDeleted struct {
	Type      string `json:"type"`
	TokenID   string `json:"tokenId"`
	Timestamp int64  `json:"timestamp"`
}

func (TokenDeleted) Kind() string { return TypeTokenDeleted }

// NewTokenDeleted builds a token_deleted frame.
func NewTokenDeleted(tokenID string, now time.Time) TokenDeleted {
	return TokenDeleted{Type: TypeTokenDeleted, TokenID: tokenID, Timestamp: Millis(now)}
}

// TokenListUpdate is the full snapshot push.
type TokenListUpdate struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
	Scene     SceneRef        `json:"scene"`
	Tokens    []TokenSnapshot `json:"tokens"`
	Summary   Summary         `json:"summary"`
}

func (TokenListUpdate) Kind() string { return TypeTokenListUpdate }

// UntrackedTokens lists tokens that no marker drives.
type UntrackedTokens struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SceneID   string          `json:"scene_id"`
	Tokens    []TokenSnapshot `json:"tokens"`
}

func (UntrackedTokens) Kind() string { return TypeUntrackedTokens }

// MappingCandidate is a token offered to the tracking server for marker assignment.
type MappingCandidate struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              TokenType `json:"type"`
	Position          Position  `json:"position"`
	SuggestedMarkerID *string   `json:"suggestedMarkerId"`
}

// RequestTokenMapping asks the tracking server to bind markers to tokens.
type RequestTokenMapping struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Tokens    []MappingCandidate `json:"tokens"`
}

func (RequestTokenMapping) Kind() string { return TypeRequestTokenMapping }

// StartCalibration asks the tracking server to begin camera calibration.
type StartCalibration struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (StartCalibration) Kind() string { return TypeStartCalibration }

// NewStartCalibration builds a start_calibration frame.
func NewStartCalibration(now time.Time) StartCalibration {
	return StartCalibration{Type: TypeStartCalibration, Timestamp: Millis(now)}
}

// TokenRef identifies a token by id, name and position.
type TokenRef struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// AssignMarker asks the tracking server to consign one token to a marker.
type AssignMarker struct {
	Type      string   `json:"type"`
	Timestamp int64    `json:"timestamp"`
	Token     TokenRef `json:"token"`
}

func (AssignMarker) Kind() string { return TypeAssignMarker }

// Reply is a response frame that can be tagged with an inbound correlation id.
type Reply interface {
	Correlate(id string)
}

// Result is the common body of every correlated reply.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Correlate tags the reply with the inbound id.
func (r *Result) Correlate(id string) { r.ID = id }

// OK returns a successful reply with a message.
func OK(message string) *Result {
	return &Result{Success: true, Message: message}
}

// Failure returns a failed reply carrying err.
func Failure(err string) *Result {
	return &Result{Success: false, Error: err}
}

// Failuref formats a failed reply.
func Failuref(format string, args ...any) *Result {
	return Failure(fmt.Sprintf(format, args...))
}

// MarkerReply reports the outcome of a marker event.
type MarkerReply struct {
	Result
	MarkerID   string   `json:"markerId,omitempty"`
	TokenID    string   `json:"tokenId,omitempty"`
	Action     string   `json:"action,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// SceneInfo is the static scene metadata returned by get_scene_info.
type SceneInfo struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	GridSize   float64 `json:"grid_size"`
	GridType   int     `json:"grid_type"`
	TokenCount int     `json:"token_count"`
}

// SceneInfoReply answers get_scene_info.
type SceneInfoReply struct {
	Result
	Scene *SceneInfo `json:"scene,omitempty"`
}

// TrackedToken is the registry status of one marker.
type TrackedToken struct {
	MarkerID   string    `json:"markerId"`
	TokenID    string    `json:"tokenId"`
	Exists     bool      `json:"exists"`
	Name       string    `json:"name,omitempty"`
	Type       TokenType `json:"type,omitempty"`
	Position   *Position `json:"position"`
	LastUpdate int64     `json:"lastUpdate,omitempty"`
}

// TrackedTokensReply answers get_tracked_tokens.
type TrackedTokensReply struct {
	Result
	TrackedTokens []TrackedToken `json:"tracked_tokens"`
}

// TokensReply answers token queries.
type TokensReply struct {
	Result
	Tokens []TokenSnapshot `json:"tokens"`
}

// QuerySummary answers the token_summary query.
type QuerySummary struct {
	Total   int               `json:"total"`
	ByType  map[TokenType]int `json:"byType"`
	Tracked int               `json:"tracked"`
	Scene   SceneRef          `json:"scene"`
}

// SummaryReply wraps a QuerySummary.
type SummaryReply struct {
	Result
	Summary QuerySummary `json:"summary"`
}

// ComparisonReply answers compare_token_state.
type ComparisonReply struct {
	Result
	Comparison Comparison `json:"comparison"`
}

// Encode marshals an outbound message or reply.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", KindOf(v), err)
	}
	return data, nil
}
