package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-vtt/conduit/internal/host"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

func seedQueryScene(t *testing.T) (*Builder, []host.Token) {
	t.Helper()
	store, scene := newStore(t)
	created, err := store.CreateTokens(context.Background(), scene.ID,
		host.Token{Name: "Player 1"},
		host.Token{Name: "Orc", Disposition: host.Hostile},
		host.Token{Name: "Treasure", Hidden: true},
		host.Token{Name: "Barrel"},
	)
	require.NoError(t, err)
	return New(store, fakeTracker{created[1].ID: true}), created
}

func tokenNames(t *testing.T, reply protocol.Reply) []string {
	t.Helper()
	tr, ok := reply.(*protocol.TokensReply)
	require.True(t, ok, "expected TokensReply, got %T", reply)
	assert.True(t, tr.Success)
	var names []string
	for _, tok := range tr.Tokens {
		names = append(names, tok.Name)
	}
	return names
}

func TestQuery(t *testing.T) {
	b, _ := seedQueryScene(t)
	ctx := context.Background()
	yes := true

	cases := []struct {
		name string
		q    protocol.QueryTokens
		want []string
	}{
		{"all visible", protocol.QueryTokens{QueryType: QueryAllTokens}, []string{"Player 1", "Orc", "Barrel"}},
		{"all with hidden", protocol.QueryTokens{QueryType: QueryAllTokens,
			Parameters: protocol.QueryParameters{IncludeHidden: &yes}}, []string{"Player 1", "Orc", "Treasure", "Barrel"}},
		{"players", protocol.QueryTokens{QueryType: QueryPlayersOnly}, []string{"Player 1"}},
		{"untracked", protocol.QueryTokens{QueryType: QueryUntrackedOnly}, []string{"Player 1", "Barrel"}},
		{"by type", protocol.QueryTokens{QueryType: QueryByType,
			Parameters: protocol.QueryParameters{Types: []protocol.TokenType{protocol.TokenEnemy, protocol.TokenUnknown}}}, []string{"Orc", "Barrel"}},
		{"by type without types", protocol.QueryTokens{QueryType: QueryByType}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, err := b.Query(ctx, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, tokenNames(t, reply))
		})
	}
}

func TestQuery_Summary(t *testing.T) {
	b, _ := seedQueryScene(t)

	reply, err := b.Query(context.Background(), protocol.QueryTokens{QueryType: QueryTokenSummary})
	require.NoError(t, err)

	sr, ok := reply.(*protocol.SummaryReply)
	require.True(t, ok)
	assert.Equal(t, 3, sr.Summary.Total)
	assert.Equal(t, 1, sr.Summary.Tracked)
	assert.Equal(t, 1, sr.Summary.ByType[protocol.TokenPlayer])
	assert.Equal(t, "Crypt", sr.Summary.Scene.Name)
}

func TestQuery_UnknownType(t *testing.T) {
	b, _ := seedQueryScene(t)

	reply, err := b.Query(context.Background(), protocol.QueryTokens{QueryType: "everything"})
	require.NoError(t, err)

	r, ok := reply.(*protocol.Result)
	require.True(t, ok)
	assert.False(t, r.Success)
	assert.Equal(t, "Unknown query type: everything", r.Error)
}

func TestSuggestMarkerID(t *testing.T) {
	cases := []struct {
		name string
		typ  protocol.TokenType
		want string
	}{
		{"Player 1", protocol.TokenPlayer, "aruco_0"},
		{"the pc2 rogue", protocol.TokenPlayer, "aruco_1"},
		{"PLAYER 4", protocol.TokenPlayer, "aruco_3"},
		{"Player 5", protocol.TokenPlayer, ""},
		{"Player 1", protocol.TokenEnemy, ""},
	}
	for _, tc := range cases {
		got := SuggestMarkerID(tc.name, tc.typ)
		if tc.want == "" {
			assert.Nil(t, got, tc.name)
			continue
		}
		require.NotNil(t, got, tc.name)
		assert.Equal(t, tc.want, *got)
	}
}

func TestMappingRequest(t *testing.T) {
	b, created := seedQueryScene(t)

	msg, err := b.MappingRequest(context.Background(), []string{created[0].ID, "missing", created[1].ID})
	require.NoError(t, err)

	assert.Equal(t, protocol.TypeRequestTokenMapping, msg.Type)
	require.Len(t, msg.Tokens, 2)
	assert.Equal(t, protocol.TokenPlayer, msg.Tokens[0].Type)
	require.NotNil(t, msg.Tokens[0].SuggestedMarkerID)
	assert.Equal(t, "aruco_0", *msg.Tokens[0].SuggestedMarkerID)
	assert.Nil(t, msg.Tokens[1].SuggestedMarkerID)
}
