package conduit

import (
	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/internal/schedule"
	"github.com/bifrost-vtt/conduit/internal/snapshot"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// onHostEvent mirrors host changes to the tracking server. Nothing is sent
// while disconnected.
func (e *Engine) onHostEvent(ev host.Event) {
	if !e.transport.Connected() {
		return
	}

	switch ev.Kind {
	case host.SceneReady:
		e.registry.Clear()
		e.transport.Send(protocol.NewSceneChanged(ev.Scene.ID, ev.Scene.Name, e.now()))
		e.tasks.After(schedule.ScenePush, e.cfg.ScenePushDelay, func() {
			if err := e.SyncTokens(e.ctx, snapshot.Options{}); err != nil {
				e.logger.Warn("Scene token push failed", "scene", ev.Scene.ID, "error", err)
			}
		})

	case host.TokenCreated:
		e.syncChanged(ev.Token.ID)

	case host.TokenUpdated:
		if ev.Changed(host.FieldX, host.FieldY, host.FieldHidden, host.FieldName) {
			e.syncChanged(ev.Token.ID)
		}

	case host.TokenDeleted:
		e.transport.Send(protocol.NewTokenDeleted(ev.Token.ID, e.now()))
	}
}

func (e *Engine) syncChanged(tokenID string) {
	if err := e.SyncToken(e.ctx, tokenID); err != nil {
		e.logger.Debug("Token sync skipped", "tokenId", tokenID, "error", err)
	}
}
