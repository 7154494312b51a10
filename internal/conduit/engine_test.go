package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/host/memory"
	"github.com/bifrost-vtt/conduit/internal/snapshot"
	"github.com/bifrost-vtt/conduit/internal/transport"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// trackingServer stands in for the tracking server: it keeps every frame
// the engine sends and lets the test write frames back.
type trackingServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	conn   *ws.Conn
	frames []map[string]any
}

func newTrackingServer(t *testing.T) *trackingServer {
	t.Helper()
	ts := &trackingServer{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		ts.mu.Lock()
		ts.conn = c
		ts.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.frames = append(ts.frames, frame)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *trackingServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *trackingServer) write(t *testing.T, frame string) {
	t.Helper()
	ts.mu.Lock()
	c := ts.conn
	ts.mu.Unlock()
	require.NotNil(t, c)
	require.NoError(t, c.WriteMessage(ws.TextMessage, []byte(frame)))
}

// drop closes the socket without a close frame.
func (ts *trackingServer) drop(t *testing.T) {
	t.Helper()
	ts.mu.Lock()
	c := ts.conn
	ts.mu.Unlock()
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

// waitFor returns the first frame matching match.
func (ts *trackingServer) waitFor(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for _, f := range ts.frames {
			if match(f) {
				found = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func (ts *trackingServer) count(kind string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, f := range ts.frames {
		if f["type"] == kind {
			n++
		}
	}
	return n
}

func ofType(kind string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == kind }
}

func withID(id string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["id"] == id && f["type"] == nil }
}

type memorySettings struct {
	mu   sync.Mutex
	data map[string]any
	err  error
}

func (s *memorySettings) Calibration() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *memorySettings) SetCalibration(data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data = data
	return nil
}

type recorder struct {
	mu      sync.Mutex
	markers []string
	pushes  []string
}

func (r *recorder) MarkerEvent(kind, markerID string, _ protocol.TokenType, _ bool, _ protocol.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, kind+":"+markerID)
}

func (r *recorder) SyncPush(kind string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, kind)
}

type fixture struct {
	engine   *Engine
	server   *trackingServer
	store    *memory.Store
	scene    host.Scene
	settings *memorySettings
	rec      *recorder
}

func newFixture(t *testing.T, activate bool) *fixture {
	t.Helper()
	bus := host.NewBus()
	store := memory.New(bus, memory.WithVersion("12.331"))
	store.AddActor(host.Actor{
		Name:      "Aria",
		Type:      "character",
		Prototype: host.Token{Name: "Aria", Width: 1, Height: 1},
	})

	f := &fixture{
		server:   newTrackingServer(t),
		store:    store,
		settings: &memorySettings{},
		rec:      &recorder{},
	}
	if activate {
		f.scene = store.AddScene(host.Scene{Name: "Crypt", Width: 2000, Height: 1500, GridSize: 50})
		require.NoError(t, store.Activate(context.Background(), f.scene.ID))
	}

	e, err := New(Config{
		Transport:        transport.Config{URL: f.server.url(), ConnectTimeout: time.Second},
		AutoCreateTokens: true,
		ScenePushDelay:   20 * time.Millisecond,
	}, Deps{
		Host:      store,
		Bus:       bus,
		Settings:  f.settings,
		Telemetry: f.rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	f.engine = e
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Connect(context.Background()))
	f.server.waitFor(t, ofType(protocol.TypeHandshake))
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestNew_HandlesEveryInboundKind(t *testing.T) {
	f := newFixture(t, true)
	for _, kind := range protocol.InboundKinds {
		assert.True(t, f.engine.dispatch.HasHandler(kind), kind)
	}
}

func TestEngine_Handshake(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	hs := f.server.waitFor(t, ofType(protocol.TypeHandshake))
	assert.Equal(t, protocol.ClientName, hs["client"])
	assert.Equal(t, "12.331", hs["host_version"])
	assert.Equal(t, f.scene.ID, hs["scene_id"])

	st := f.engine.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.Phase)
	assert.Equal(t, st.Phase, f.engine.Phase())
}

func TestEngine_PingAlwaysAnswered(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"ping","id":"p1"}`)
	pong := f.server.waitFor(t, func(m map[string]any) bool { return m["type"] == protocol.TypePong && m["id"] == "p1" })
	assert.NotZero(t, pong["timestamp"])

	f.server.write(t, `{"type":"ping"}`)
	require.Eventually(t, func() bool { return f.server.count(protocol.TypePong) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_MarkerLifecycle(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":7,"token_name":"Aria","token_type":"player","x":100,"y":200}`)
	reply := f.server.waitFor(t, withID("d1"))
	assert.Equal(t, true, reply["success"])
	assert.Equal(t, "7", reply["markerId"])
	assert.Equal(t, "created_player", reply["action"])
	tokenID, _ := reply["tokenId"].(string)
	require.NotEmpty(t, tokenID)

	// the created token is mirrored
	f.server.waitFor(t, ofType(protocol.TypeTokenSync))
	assert.True(t, f.engine.Registry().IsTracked(tokenID))

	f.server.write(t, `{"type":"marker_updated","id":"u1","marker_id":"7","x":150,"y":250}`)
	reply = f.server.waitFor(t, withID("u1"))
	assert.Equal(t, "position_updated", reply["action"])

	tok, err := f.store.Token(context.Background(), f.scene.ID, tokenID)
	require.NoError(t, err)
	assert.Equal(t, 150.0, tok.X)

	// an update for an unseen marker is a detection
	f.server.write(t, `{"type":"marker_updated","id":"u2","marker_id":"9","token_name":"Orc","token_type":"enemy","x":10,"y":20}`)
	reply = f.server.waitFor(t, withID("u2"))
	assert.Equal(t, "created_standalone", reply["action"])

	f.server.write(t, `{"type":"marker_lost","id":"l1","marker_id":7}`)
	reply = f.server.waitFor(t, withID("l1"))
	assert.Equal(t, "token_removed", reply["action"])
	deleted := f.server.waitFor(t, ofType(protocol.TypeTokenDeleted))
	assert.Equal(t, tokenID, deleted["tokenId"])

	f.rec.mu.Lock()
	assert.Equal(t, []string{"detected:7", "updated:7", "detected:9", "lost:7"}, f.rec.markers)
	f.rec.mu.Unlock()
}

func TestEngine_UnknownActorReportsCandidates(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"3","token_name":"Bram","token_type":"player","x":0,"y":0}`)
	reply := f.server.waitFor(t, withID("d1"))
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["error"], "Bram")
	assert.Equal(t, []any{"Aria"}, reply["candidates"])
}

func TestEngine_RequestTokenList(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.store.CreateTokens(context.Background(), f.scene.ID,
		host.Token{Name: "Player 1", Kind: protocol.TokenPlayer},
		host.Token{Name: "Trap", Hidden: true},
	)
	require.NoError(t, err)
	f.connect(t)

	f.server.write(t, `{"type":"request_token_list","id":"r1","parameters":{"includeHidden":true}}`)

	update := f.server.waitFor(t, ofType(protocol.TypeTokenListUpdate))
	assert.Equal(t, "r1", update["requestId"])
	assert.Len(t, update["tokens"], 2)

	ack := f.server.waitFor(t, withID("r1"))
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, "Token list sent", ack["message"])
}

func TestEngine_Calibration(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"calibration_update","id":"c1","corners":[{"x":0,"y":0},{"x":640,"y":0},{"x":640,"y":480},{"x":0,"y":480}],"scene_bounds":{"x":0,"y":0,"width":2000,"height":1500}}`)
	reply := f.server.waitFor(t, withID("c1"))
	assert.Equal(t, true, reply["success"])
	assert.Equal(t, "Calibration updated", reply["message"])

	saved := f.settings.Calibration()
	require.NotNil(t, saved)
	assert.Contains(t, saved, "corners")
	assert.Contains(t, saved, "updated_at")

	f.server.write(t, `{"type":"calibration_update","id":"c2","corners":[{"x":0,"y":0},{"x":1,"y":1}]}`)
	reply = f.server.waitFor(t, withID("c2"))
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["error"], "Invalid calibration")
}

func TestEngine_CalibrationRowMajorCornersPersisted(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"calibration_update","id":"c1","corners":[{"x":0,"y":0},{"x":100,"y":0},{"x":0,"y":100},{"x":100,"y":100}]}`)
	reply := f.server.waitFor(t, withID("c1"))
	assert.Equal(t, true, reply["success"])

	saved := f.settings.Calibration()
	require.NotNil(t, saved)
	assert.Equal(t, []protocol.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}, {X: 100, Y: 100}}, saved["corners"])
}

func TestEngine_CalibrationPersistFailure(t *testing.T) {
	f := newFixture(t, true)
	f.settings.err = errors.New("read-only")
	f.connect(t)

	f.server.write(t, `{"type":"calibration_update","id":"c1","corners":[{"x":0,"y":0},{"x":10,"y":0},{"x":10,"y":10}]}`)
	reply := f.server.waitFor(t, withID("c1"))
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["error"], "read-only")
}

func TestEngine_SceneSwitchedWhileDisconnected(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"42","token_type":"enemy","x":150,"y":150}`)
	reply := f.server.waitFor(t, withID("d1"))
	require.Equal(t, true, reply["success"])

	f.server.drop(t)
	require.Eventually(t, func() bool { return !f.engine.Connected() }, 2*time.Second, 5*time.Millisecond)

	tavern := f.store.AddScene(host.Scene{Name: "Tavern", Width: 1000, Height: 1000, GridSize: 50})
	require.NoError(t, f.store.Activate(context.Background(), tavern.ID))

	require.NoError(t, f.engine.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.server.count(protocol.TypeHandshake) == 2 }, 2*time.Second, 5*time.Millisecond)

	f.server.write(t, `{"type":"marker_detected","id":"d2","marker_id":"42","token_type":"enemy","x":300,"y":300}`)
	reply = f.server.waitFor(t, withID("d2"))
	assert.Equal(t, true, reply["success"])

	tokens, err := f.store.Tokens(context.Background(), tavern.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, 300.0, tokens[0].X)

	old, err := f.store.Tokens(context.Background(), f.scene.ID)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, 150.0, old[0].X)
}

func TestEngine_NoActiveScene(t *testing.T) {
	f := newFixture(t, false)
	f.connect(t)

	f.server.write(t, `{"type":"get_scene_info","id":"s1"}`)
	reply := f.server.waitFor(t, withID("s1"))
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "No active scene", reply["error"])

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"1","token_type":"enemy","x":0,"y":0}`)
	reply = f.server.waitFor(t, withID("d1"))
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "No active scene", reply["error"])
}

func TestEngine_SceneInfoAndTracked(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"5","token_name":"Chest","token_type":"item","x":10,"y":10}`)
	f.server.waitFor(t, withID("d1"))

	f.server.write(t, `{"type":"get_scene_info","id":"s1"}`)
	reply := f.server.waitFor(t, withID("s1"))
	scene, ok := reply["scene"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Crypt", scene["name"])
	assert.Equal(t, 1.0, scene["token_count"])

	f.server.write(t, `{"type":"get_tracked_tokens","id":"t1"}`)
	reply = f.server.waitFor(t, withID("t1"))
	tracked, ok := reply["tracked_tokens"].([]any)
	require.True(t, ok)
	require.Len(t, tracked, 1)
	assert.Equal(t, "5", tracked[0].(map[string]any)["markerId"])

	f.server.write(t, `{"type":"clear_all_tracking","id":"x1"}`)
	reply = f.server.waitFor(t, withID("x1"))
	assert.Equal(t, "All tracking cleared", reply["message"])
	assert.Equal(t, 0, f.engine.Registry().Len())
}

func TestEngine_UnknownKind(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"teleport","id":"k1"}`)
	reply := f.server.waitFor(t, withID("k1"))
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "Unknown message type: teleport", reply["error"])
}

func TestEngine_SceneChange(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"5","token_type":"enemy","x":10,"y":10}`)
	f.server.waitFor(t, withID("d1"))
	require.Equal(t, 1, f.engine.Registry().Len())

	next := f.store.AddScene(host.Scene{Name: "Tower"})
	require.NoError(t, f.store.Activate(context.Background(), next.ID))

	changed := f.server.waitFor(t, ofType(protocol.TypeSceneChanged))
	assert.Equal(t, next.ID, changed["scene_id"])
	assert.Equal(t, "Tower", changed["scene_name"])
	assert.Equal(t, 0, f.engine.Registry().Len())

	update := f.server.waitFor(t, ofType(protocol.TypeTokenListUpdate))
	assert.Equal(t, next.ID, update["scene"].(map[string]any)["id"])
}

func TestEngine_HostChangesIgnoredWhileDisconnected(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.store.CreateTokens(context.Background(), f.scene.ID, host.Token{Name: "Goblin"})
	require.NoError(t, err)

	f.connect(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.server.count(protocol.TypeTokenSync))
}

func TestEngine_OutboundOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	created, err := f.store.CreateTokens(ctx, f.scene.ID,
		host.Token{Name: "Player 2", Kind: protocol.TokenPlayer, X: 5, Y: 6},
		host.Token{Name: "Orc", Kind: protocol.TokenEnemy},
	)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.SyncTokens(ctx, snapshot.Options{}), transport.ErrNotConnected)
	assert.ErrorIs(t, f.engine.StartCalibration(), transport.ErrNotConnected)

	f.connect(t)

	require.NoError(t, f.engine.SyncPlayers(ctx))
	update := f.server.waitFor(t, ofType(protocol.TypeTokenListUpdate))
	assert.Len(t, update["tokens"], 1)

	require.NoError(t, f.engine.SyncUntracked(ctx))
	untracked := f.server.waitFor(t, ofType(protocol.TypeUntrackedTokens))
	assert.Len(t, untracked["tokens"], 2)

	require.NoError(t, f.engine.SyncToken(ctx, created[1].ID))
	f.server.waitFor(t, ofType(protocol.TypeTokenSync))

	require.NoError(t, f.engine.RequestTokenMapping(ctx, created[0].ID, "missing"))
	mapping := f.server.waitFor(t, ofType(protocol.TypeRequestTokenMapping))
	candidates := mapping["tokens"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, "aruco_1", candidates[0].(map[string]any)["suggestedMarkerId"])

	require.NoError(t, f.engine.StartCalibration())
	f.server.waitFor(t, ofType(protocol.TypeStartCalibration))

	require.NoError(t, f.engine.AssignMarker(ctx, created[0].ID))
	assign := f.server.waitFor(t, ofType(protocol.TypeAssignMarker))
	assert.Equal(t, "Player 2", assign["token"].(map[string]any)["name"])

	tokens, err := f.engine.Tokens(ctx, snapshot.Options{})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	f.rec.mu.Lock()
	assert.Contains(t, f.rec.pushes, protocol.TypeTokenListUpdate)
	assert.Contains(t, f.rec.pushes, protocol.TypeUntrackedTokens)
	f.rec.mu.Unlock()
}

func TestEngine_AutoSync(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.engine.StartAutoSync(15 * time.Millisecond)
	assert.True(t, f.engine.Status().AutoSync)
	require.Eventually(t, func() bool { return f.server.count(protocol.TypeTokenListUpdate) >= 2 },
		2*time.Second, 5*time.Millisecond)

	f.engine.StopAutoSync()
	st := f.engine.Status()
	assert.False(t, st.AutoSync)
	assert.GreaterOrEqual(t, st.AutoSyncTicks, 2)
	assert.Zero(t, st.AutoSyncSkipped)
}

func TestEngine_DisconnectClearsTracking(t *testing.T) {
	f := newFixture(t, true)
	f.connect(t)

	f.server.write(t, `{"type":"marker_detected","id":"d1","marker_id":"5","token_type":"enemy","x":10,"y":10}`)
	f.server.waitFor(t, withID("d1"))
	require.Equal(t, 1, f.engine.Registry().Len())

	f.engine.Disconnect()
	assert.False(t, f.engine.Connected())
	assert.Equal(t, 0, f.engine.Registry().Len())
	assert.Zero(t, f.engine.ClearTracking())
}
