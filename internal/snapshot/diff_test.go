package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

func local(id string, x, y float64) protocol.TokenSnapshot {
	return protocol.TokenSnapshot{ID: id, Position: protocol.Position{X: x, Y: y}}
}

func remote(id string, x, y float64) protocol.RemoteToken {
	return protocol.RemoteToken{ID: id, Position: protocol.Position{X: x, Y: y}}
}

func TestDiff_Tolerance(t *testing.T) {
	cases := []struct {
		name     string
		dx       float64
		mismatch bool
	}{
		{"identical", 0, false},
		{"9.9 in sync", 9.9, false},
		{"10.0 in sync", 10.0, false},
		{"10.1 mismatched", 10.1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmp := Diff(
				[]protocol.TokenSnapshot{local("t", 100, 100)},
				[]protocol.RemoteToken{remote("t", 100+tc.dx, 100)},
			)
			if tc.mismatch {
				require.Len(t, cmp.PositionMismatches, 1)
				assert.Empty(t, cmp.InSync)
				assert.InDelta(t, tc.dx, cmp.PositionMismatches[0].Difference, 1e-9)
			} else {
				assert.Empty(t, cmp.PositionMismatches)
				assert.Len(t, cmp.InSync, 1)
			}
		})
	}
}

func TestDiff_EuclideanDistance(t *testing.T) {
	// 3-4-5 triangle scaled: distance 15 > 10
	cmp := Diff([]protocol.TokenSnapshot{local("t", 0, 0)}, []protocol.RemoteToken{remote("t", 9, 12)})
	require.Len(t, cmp.PositionMismatches, 1)
	assert.Equal(t, 15.0, cmp.PositionMismatches[0].Difference)
	assert.Equal(t, protocol.Position{X: 9, Y: 12}, cmp.PositionMismatches[0].RemotePosition)
	assert.Equal(t, protocol.Position{X: 0, Y: 0}, cmp.PositionMismatches[0].LocalPosition)
}

func TestDiff_Partitions(t *testing.T) {
	locals := []protocol.TokenSnapshot{
		local("a", 0, 0),
		local("b", 0, 0),
		local("c", 0, 0),
	}
	remotes := []protocol.RemoteToken{
		remote("b", 50, 0),
		remote("c", 1, 1),
		remote("d", 0, 0),
		remote("d", 5, 5),
	}

	cmp := Diff(locals, remotes)

	ids := func(ts []protocol.TokenSnapshot) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a"}, ids(cmp.OnlyLocal))
	assert.Equal(t, []string{"c"}, ids(cmp.InSync))
	require.Len(t, cmp.PositionMismatches, 1)
	assert.Equal(t, "b", cmp.PositionMismatches[0].Token.ID)
	require.Len(t, cmp.OnlyRemote, 1, "duplicate remote ids count once")
	assert.Equal(t, protocol.Position{X: 5, Y: 5}, cmp.OnlyRemote[0].Position)

	// every id appears in exactly one partition
	seen := map[string]int{}
	for _, id := range ids(cmp.OnlyLocal) {
		seen[id]++
	}
	for _, id := range ids(cmp.InSync) {
		seen[id]++
	}
	for _, m := range cmp.PositionMismatches {
		seen[m.Token.ID]++
	}
	for _, r := range cmp.OnlyRemote {
		seen[r.ID]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
}

func TestDiff_EmptyInputs(t *testing.T) {
	cmp := Diff(nil, nil)
	assert.NotNil(t, cmp.OnlyLocal)
	assert.NotNil(t, cmp.OnlyRemote)
	assert.NotNil(t, cmp.PositionMismatches)
	assert.NotNil(t, cmp.InSync)
}

func TestCompare_UsesScene(t *testing.T) {
	ctx := context.Background()
	store, scene := newStore(t)
	created, err := store.CreateTokens(ctx, scene.ID, host.Token{Name: "a", X: 10, Y: 10})
	require.NoError(t, err)

	cmp, err := New(store, fakeTracker{}).Compare(ctx, []protocol.RemoteToken{remote(created[0].ID, 12, 12)})
	require.NoError(t, err)
	assert.Len(t, cmp.InSync, 1)
}
