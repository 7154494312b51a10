package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-vtt/conduit/internal/schedule"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// trackingServer upgrades every request, records the kinds it receives and
// the close codes clients send, and lets tests push frames or drop sockets.
type trackingServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*ws.Conn
	kinds      []string
	closeCodes []int
	upgrades   int
}

func newTrackingServer(t *testing.T) *trackingServer {
	return newSlowTrackingServer(t, 0)
}

// newSlowTrackingServer waits upgradeDelay before accepting each socket.
func newSlowTrackingServer(t *testing.T, upgradeDelay time.Duration) *trackingServer {
	t.Helper()
	ts := &trackingServer{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(upgradeDelay)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.upgrades++
		ts.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				var ce *ws.CloseError
				if errors.As(err, &ce) {
					ts.mu.Lock()
					ts.closeCodes = append(ts.closeCodes, ce.Code)
					ts.mu.Unlock()
				}
				return
			}

			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.kinds = append(ts.kinds, env.Type)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *trackingServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *trackingServer) last() *ws.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		return nil
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *trackingServer) received() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.kinds...)
}

func (ts *trackingServer) upgradeCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.upgrades
}

func (ts *trackingServer) codes() []int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]int(nil), ts.closeCodes...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *schedule.Tasks) {
	t.Helper()
	tasks := schedule.New()
	m := New(cfg, WithTasks(tasks))
	t.Cleanup(func() {
		m.Disconnect()
		tasks.CancelAll()
	})
	return m, tasks
}

func TestReconnectDelay_Linear(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, ReconnectDelay(base, 1))
	assert.Equal(t, 10*time.Second, ReconnectDelay(base, 2))
	assert.Equal(t, 25*time.Second, ReconnectDelay(base, 5))
	assert.Equal(t, 5*time.Second, ReconnectDelay(base, 0))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{URL: "ws://localhost:3001"}.withDefaults()
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
	assert.Equal(t, "ws://localhost:3001", URLFor("localhost", 3001))
}

func TestConnect_SendsHandshakeFirst(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url()})
	m.OnHandshake(func() any { return protocol.NewHandshake("12.331", "scene-1", time.Now()) })

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())
	assert.True(t, m.Send(protocol.NewStartCalibration(time.Now())))

	assert.Eventually(t, func() bool { return len(ts.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypeHandshake, protocol.TypeStartCalibration}, ts.received())
}

func TestConnect_AlreadyConnected(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url()})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ts.upgradeCount())
}

func TestConnect_OverlappingCallersShareOneSocket(t *testing.T) {
	ts := newSlowTrackingServer(t, 100*time.Millisecond)
	m, _ := newTestManager(t, Config{URL: ts.url()})

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- m.Connect(context.Background()) }()
	}
	for range 2 {
		assert.NoError(t, <-errs)
	}
	assert.True(t, m.Connected())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ts.upgradeCount())
}

func TestSend_NotConnected(t *testing.T) {
	m, _ := newTestManager(t, Config{URL: "ws://127.0.0.1:1"})
	assert.False(t, m.Send(protocol.NewPing(time.Now())))
	assert.Equal(t, Disconnected, m.Phase())
}

func TestFramesDeliveredInOrder(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url()})

	var mu sync.Mutex
	var got []string
	m.OnFrame(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return ts.last() != nil }, time.Second, 5*time.Millisecond)

	c := ts.last()
	for _, frame := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, c.WriteMessage(ws.TextMessage, []byte(frame)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
}

func TestDisconnect_NormalClosure(t *testing.T) {
	ts := newTrackingServer(t)
	m, tasks := newTestManager(t, Config{URL: ts.url(), Heartbeat: true, ReconnectDelay: 5 * time.Millisecond})

	var tornDown atomic.Bool
	m.OnTeardown(func() { tornDown.Store(true) })

	var code atomic.Int32
	m.Observe(ObserverFuncs{OnDisconnected: func(c int, _ string) { code.Store(int32(c)) }})

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, tasks.Active(schedule.Heartbeat))

	m.Disconnect()

	assert.True(t, tornDown.Load())
	assert.Equal(t, int32(ws.CloseNormalClosure), code.Load())
	assert.False(t, m.Connected())
	assert.False(t, tasks.Active(schedule.Heartbeat))

	assert.Eventually(t, func() bool {
		codes := ts.codes()
		return len(codes) == 1 && codes[0] == ws.CloseNormalClosure
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, tasks.Active(schedule.Reconnect))
	assert.Equal(t, 1, ts.upgradeCount())
}

func TestDisconnect_WhenNotConnected(t *testing.T) {
	m, _ := newTestManager(t, Config{URL: "ws://127.0.0.1:1"})

	calls := 0
	m.OnTeardown(func() { calls++ })
	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, 2, calls)
	assert.Equal(t, Disconnected, m.Phase())
}

func TestReconnect_AfterAbnormalClose(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url(), ReconnectDelay: 5 * time.Millisecond})

	var connects atomic.Int32
	m.Observe(ObserverFuncs{OnConnected: func() { connects.Add(1) }})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return ts.last() != nil }, time.Second, 5*time.Millisecond)

	// drop the TCP connection without a close frame
	_ = ts.last().UnderlyingConn().Close()

	assert.Eventually(t, func() bool {
		return ts.upgradeCount() == 2 && m.Connected() && connects.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Status().ReconnectAttempts)
}

func TestServerNormalClose_NoReconnect(t *testing.T) {
	ts := newTrackingServer(t)
	m, tasks := newTestManager(t, Config{URL: ts.url(), ReconnectDelay: 5 * time.Millisecond})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return ts.last() != nil }, time.Second, 5*time.Millisecond)

	c := ts.last()
	require.NoError(t, c.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, tasks.Active(schedule.Reconnect))
	assert.Equal(t, 1, ts.upgradeCount())
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTrackingServer(t)
	url := ts.url()
	ts.srv.Close()

	m, tasks := newTestManager(t, Config{URL: url, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3})

	gaveUp := make(chan int, 1)
	m.Observe(ObserverFuncs{OnGaveUp: func(n int) { gaveUp <- n }})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))

	select {
	case n := <-gaveUp:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("never gave up")
	}
	assert.Equal(t, Disconnected, m.Phase())
	assert.False(t, tasks.Active(schedule.Reconnect))
	assert.Equal(t, 3, m.Status().ReconnectAttempts)
	assert.True(t, errors.Is(m.Err(), ErrGaveUp))
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	ts := newTrackingServer(t)
	url := ts.url()
	ts.srv.Close()

	m, tasks := newTestManager(t, Config{URL: url, ReconnectDelay: time.Hour})

	require.Error(t, m.Connect(context.Background()))
	assert.True(t, tasks.Active(schedule.Reconnect))
	assert.Equal(t, Reconnecting, m.Phase())

	m.Disconnect()
	assert.False(t, tasks.Active(schedule.Reconnect))
	assert.Equal(t, Disconnected, m.Phase())
}

func TestConnect_Timeout(t *testing.T) {
	// a listener that never accepts: TCP completes, the upgrade never does
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m, _ := newTestManager(t, Config{
		URL:            "ws://" + ln.Addr().String(),
		ConnectTimeout: 50 * time.Millisecond,
		ReconnectDelay: time.Hour,
	})

	start := time.Now()
	err = m.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, m.Connected())
}

func TestHeartbeat_SendsPing(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url(), Heartbeat: true, HeartbeatInterval: 10 * time.Millisecond})

	require.NoError(t, m.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		for _, k := range ts.received() {
			if k == protocol.TypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStatus(t *testing.T) {
	ts := newTrackingServer(t)
	m, _ := newTestManager(t, Config{URL: ts.url()})

	st := m.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, "disconnected", st.Phase)
	assert.True(t, st.LastAttemptAt.IsZero())

	require.NoError(t, m.Connect(context.Background()))
	st = m.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.Phase)
	assert.Equal(t, ts.url(), st.URL)
	assert.False(t, st.LastAttemptAt.IsZero())
}
