package snapshot

import (
	"context"
	"math"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// PositionTolerance is the largest distance at which two views of a token
// still count as in sync.
const PositionTolerance = 10.0

// Distance is the Euclidean distance between two positions.
func Distance(a, b protocol.Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Diff partitions local and remote views. Every token id lands in exactly
// one partition; a remote id listed twice counts once, with its last entry.
func Diff(local []protocol.TokenSnapshot, remote []protocol.RemoteToken) protocol.Comparison {
	byID := make(map[string]protocol.RemoteToken, len(remote))
	order := make([]string, 0, len(remote))
	for _, r := range remote {
		if _, seen := byID[r.ID]; !seen {
			order = append(order, r.ID)
		}
		byID[r.ID] = r
	}

	cmp := protocol.Comparison{
		OnlyLocal:          []protocol.TokenSnapshot{},
		OnlyRemote:         []protocol.RemoteToken{},
		PositionMismatches: []protocol.PositionMismatch{},
		InSync:             []protocol.TokenSnapshot{},
	}

	localIDs := make(map[string]struct{}, len(local))
	for _, l := range local {
		localIDs[l.ID] = struct{}{}

		r, ok := byID[l.ID]
		if !ok {
			cmp.OnlyLocal = append(cmp.OnlyLocal, l)
			continue
		}

		d := Distance(l.Position, r.Position)
		if d > PositionTolerance {
			cmp.PositionMismatches = append(cmp.PositionMismatches, protocol.PositionMismatch{
				Token:          l,
				RemotePosition: r.Position,
				LocalPosition:  l.Position,
				Difference:     d,
			})
			continue
		}
		cmp.InSync = append(cmp.InSync, l)
	}

	for _, id := range order {
		if _, ok := localIDs[id]; !ok {
			cmp.OnlyRemote = append(cmp.OnlyRemote, byID[id])
		}
	}
	return cmp
}

// Compare diffs the default local snapshot against remote.
func (b *Builder) Compare(ctx context.Context, remote []protocol.RemoteToken) (protocol.Comparison, error) {
	_, local, err := b.Snapshot(ctx, Options{})
	if err != nil {
		return protocol.Comparison{}, err
	}
	return Diff(local, remote), nil
}
