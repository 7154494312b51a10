package conduit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bifrost-vtt/conduit/internal/calibration"
	"github.com/bifrost-vtt/conduit/internal/dispatcher"
	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/registry"
	"github.com/bifrost-vtt/conduit/internal/snapshot"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

func (e *Engine) registerHandlers() {
	d := e.dispatch

	d.Register(protocol.TypePing, e.handlePing, dispatcher.AlwaysReply())
	d.Register(protocol.TypeMarkerDetected, e.handleMarkerDetected, dispatcher.Logged())
	d.Register(protocol.TypeMarkerUpdated, e.handleMarkerUpdated)
	d.Register(protocol.TypeMarkerLost, e.handleMarkerLost, dispatcher.Logged())
	d.Register(protocol.TypeCalibrationUpdate, e.handleCalibration, dispatcher.Logged())
	d.Register(protocol.TypeGetSceneInfo, e.handleSceneInfo)
	d.Register(protocol.TypeGetTrackedTokens, e.handleTrackedTokens)
	d.Register(protocol.TypeClearAllTracking, e.handleClearTracking, dispatcher.Logged())
	d.Register(protocol.TypeQueryTokens, e.handleQuery, dispatcher.Logged())
	d.Register(protocol.TypeRequestTokenList, e.handleRequestTokenList,
		dispatcher.Buffered(e.cfg.QueueSize), dispatcher.Blocking(), dispatcher.Logged())
	d.Register(protocol.TypeCompareTokenState, e.handleCompare, dispatcher.Logged())
}

func message[T protocol.Inbound](ev dispatcher.Event) (T, error) {
	m, ok := ev.Message.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected body %T", ev.Kind, ev.Message)
	}
	return m, nil
}

// hostFailure turns expected host conditions into failure replies and
// leaves everything else to the dispatcher.
func hostFailure(err error) (protocol.Reply, error) {
	if errors.Is(err, host.ErrNoActiveScene) {
		return protocol.Failure("No active scene"), nil
	}
	return nil, err
}

func detection(m protocol.MarkerEvent) registry.Detection {
	return registry.Detection{
		MarkerID: m.MarkerID.String(),
		Name:     m.TokenName,
		X:        m.X,
		Y:        m.Y,
		Type:     m.TokenType,
		Metadata: m.Metadata,
	}
}

func (e *Engine) recordMarker(kind string, m protocol.MarkerEvent, res registry.Result) {
	typ := m.TokenType
	if typ == "" {
		typ = protocol.TokenUnknown
	}
	e.telemetry.MarkerEvent(kind, m.MarkerID.String(), typ, res.Success, protocol.Position{X: m.X, Y: m.Y})
	if !res.Success {
		e.logger.Warn("Marker event failed", "kind", kind, "markerId", m.MarkerID, "error", res.Error)
	}
}

func (e *Engine) handlePing(_ context.Context, _ dispatcher.Event) (protocol.Reply, error) {
	return protocol.NewPong(e.now()), nil
}

func (e *Engine) handleMarkerDetected(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.MarkerDetected](ev)
	if err != nil {
		return nil, err
	}
	res := e.registry.Detect(ctx, detection(m.MarkerEvent))
	e.recordMarker("detected", m.MarkerEvent, res)
	e.logger.Info("Marker detected", "markerId", m.MarkerID, "name", m.TokenName, "action", res.Action)
	return res.Reply(), nil
}

// handleMarkerUpdated treats updates for unknown markers as detections.
func (e *Engine) handleMarkerUpdated(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.MarkerUpdated](ev)
	if err != nil {
		return nil, err
	}
	id := m.MarkerID.String()

	if _, ok := e.registry.Lookup(id); ok {
		res := e.registry.Update(ctx, id, m.X, m.Y, m.Metadata)
		e.recordMarker("updated", m.MarkerEvent, res)
		// a record left over from a previous scene is re-detected here
		if !errors.Is(res.Err, registry.ErrStaleRecord) {
			return res.Reply(), nil
		}
	}
	res := e.registry.Detect(ctx, detection(m.MarkerEvent))
	e.recordMarker("detected", m.MarkerEvent, res)
	return res.Reply(), nil
}

func (e *Engine) handleMarkerLost(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.MarkerLost](ev)
	if err != nil {
		return nil, err
	}
	id := m.MarkerID.String()
	typ := protocol.TokenUnknown
	if rec, ok := e.registry.Lookup(id); ok && rec.Type != "" {
		typ = rec.Type
	}
	res := e.registry.Remove(ctx, id)
	e.telemetry.MarkerEvent("lost", id, typ, res.Success, protocol.Position{})
	e.logger.Info("Marker lost", "markerId", m.MarkerID)
	return res.Reply(), nil
}

func (e *Engine) handleCalibration(_ context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.CalibrationUpdate](ev)
	if err != nil {
		return nil, err
	}
	c, err := calibration.Normalize(m, e.now())
	if err != nil {
		return protocol.Failuref("Invalid calibration: %v", err), nil
	}
	if e.settings != nil {
		if err := e.settings.SetCalibration(c.Settings()); err != nil {
			return nil, fmt.Errorf("persist calibration: %w", err)
		}
	}
	if c.Hull {
		e.logger.Warn("Calibration corners cross; area taken from their convex hull", "corners", len(c.Corners))
	}
	e.logger.Info("Camera calibration updated", "corners", len(c.Corners), "area", c.Area)
	return protocol.OK("Calibration updated"), nil
}

func (e *Engine) handleSceneInfo(ctx context.Context, _ dispatcher.Event) (protocol.Reply, error) {
	info, err := e.snapshots.SceneInfo(ctx)
	if err != nil {
		return hostFailure(err)
	}
	return &protocol.SceneInfoReply{Result: protocol.Result{Success: true}, Scene: &info}, nil
}

func (e *Engine) handleTrackedTokens(ctx context.Context, _ dispatcher.Event) (protocol.Reply, error) {
	return &protocol.TrackedTokensReply{
		Result:        protocol.Result{Success: true},
		TrackedTokens: e.registry.Status(ctx),
	}, nil
}

func (e *Engine) handleClearTracking(_ context.Context, _ dispatcher.Event) (protocol.Reply, error) {
	e.registry.Clear()
	return protocol.OK("All tracking cleared"), nil
}

func (e *Engine) handleQuery(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.QueryTokens](ev)
	if err != nil {
		return nil, err
	}
	reply, err := e.snapshots.Query(ctx, m)
	if err != nil {
		return hostFailure(err)
	}
	return reply, nil
}

// handleRequestTokenList runs off the read loop. The list is pushed tagged
// with the request id, then the request itself is acknowledged.
func (e *Engine) handleRequestTokenList(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.RequestTokenList](ev)
	if err != nil {
		return nil, err
	}
	msg, err := e.snapshots.TokenListUpdate(ctx, snapshot.OptionsFrom(m.Parameters), ev.ID)
	if err != nil {
		return hostFailure(err)
	}
	if err := e.send(msg); err != nil {
		return nil, err
	}
	e.telemetry.SyncPush(protocol.TypeTokenListUpdate, len(msg.Tokens))
	return protocol.OK("Token list sent"), nil
}

func (e *Engine) handleCompare(ctx context.Context, ev dispatcher.Event) (protocol.Reply, error) {
	m, err := message[protocol.CompareTokenState](ev)
	if err != nil {
		return nil, err
	}
	cmp, err := e.snapshots.Compare(ctx, m.Tokens)
	if err != nil {
		return hostFailure(err)
	}
	return &protocol.ComparisonReply{Result: protocol.Result{Success: true}, Comparison: cmp}, nil
}
