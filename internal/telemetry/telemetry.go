// Package telemetry records marker events and sync pushes as time series.
package telemetry

import "github.com/bifrost-vtt/conduit/pkg/protocol"

// Recorder receives engine events worth charting.
type Recorder interface {
	MarkerEvent(kind, markerID string, typ protocol.TokenType, success bool, pos protocol.Position)
	SyncPush(kind string, tokens int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MarkerEvent(string, string, protocol.TokenType, bool, protocol.Position) {}
func (Nop) SyncPush(string, int)                                                    {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Influx)(nil)
)
