package snapshot

import (
	"context"
	"strings"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// Query types accepted by query_tokens.
const (
	QueryAllTokens     = "all_tokens"
	QueryPlayersOnly   = "players_only"
	QueryUntrackedOnly = "untracked_only"
	QueryByType        = "by_type"
	QueryTokenSummary  = "token_summary"
)

// Query answers a query_tokens request. Unknown query types produce a
// failure reply rather than an error.
func (b *Builder) Query(ctx context.Context, q protocol.QueryTokens) (protocol.Reply, error) {
	opts := OptionsFrom(q.Parameters)

	switch q.QueryType {
	case QueryAllTokens:
		return b.tokensReply(ctx, opts, false)

	case QueryPlayersOnly:
		if q.Parameters.FilterTypes == nil {
			opts.Types = []protocol.TokenType{protocol.TokenPlayer}
		}
		return b.tokensReply(ctx, opts, false)

	case QueryUntrackedOnly:
		return b.tokensReply(ctx, opts, true)

	case QueryByType:
		if q.Parameters.FilterTypes == nil {
			opts.Types = q.Parameters.Types
			if opts.Types == nil {
				opts.Types = []protocol.TokenType{}
			}
		}
		return b.tokensReply(ctx, opts, false)

	case QueryTokenSummary:
		scene, tokens, err := b.Snapshot(ctx, Options{})
		if err != nil {
			return nil, err
		}
		sum := Summarize(tokens)
		return &protocol.SummaryReply{
			Result: protocol.Result{Success: true},
			Summary: protocol.QuerySummary{
				Total:   sum.Total,
				ByType:  sum.ByType,
				Tracked: sum.Tracked,
				Scene:   protocol.SceneRef{ID: scene.ID, Name: scene.Name},
			},
		}, nil

	default:
		return protocol.Failuref("Unknown query type: %s", q.QueryType), nil
	}
}

func (b *Builder) tokensReply(ctx context.Context, opts Options, onlyUntracked bool) (protocol.Reply, error) {
	_, tokens, err := b.Snapshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	if onlyUntracked {
		tokens = untracked(tokens)
	}
	return &protocol.TokensReply{Result: protocol.Result{Success: true}, Tokens: tokens}, nil
}

var markerSuggestions = []struct {
	patterns []string
	markerID string
}{
	{[]string{"player 1", "pc1"}, "aruco_0"},
	{[]string{"player 2", "pc2"}, "aruco_1"},
	{[]string{"player 3", "pc3"}, "aruco_2"},
	{[]string{"player 4", "pc4"}, "aruco_3"},
}

// SuggestMarkerID proposes a marker for player tokens named "player N" or
// "pcN" with N from 1 to 4. It returns nil otherwise.
func SuggestMarkerID(name string, typ protocol.TokenType) *string {
	if typ != protocol.TokenPlayer {
		return nil
	}
	name = strings.ToLower(name)
	for _, s := range markerSuggestions {
		for _, p := range s.patterns {
			if strings.Contains(name, p) {
				id := s.markerID
				return &id
			}
		}
	}
	return nil
}

// MappingRequest builds request_token_mapping for the given tokens. Ids not
// present in the active scene are skipped.
func (b *Builder) MappingRequest(ctx context.Context, tokenIDs []string) (protocol.RequestTokenMapping, error) {
	scene, err := b.src.ActiveScene(ctx)
	if err != nil {
		return protocol.RequestTokenMapping{}, err
	}

	msg := protocol.RequestTokenMapping{
		Type:      protocol.TypeRequestTokenMapping,
		Timestamp: protocol.Millis(b.now()),
		Tokens:    []protocol.MappingCandidate{},
	}
	for _, id := range tokenIDs {
		t, err := b.src.Token(ctx, scene.ID, id)
		if err != nil {
			b.logger.Debug("Skipping token for mapping", "tokenId", id, "error", err)
			continue
		}
		typ := Classify(t, b.actorFor(ctx, t))
		msg.Tokens = append(msg.Tokens, protocol.MappingCandidate{
			ID:                t.ID,
			Name:              t.Name,
			Type:              typ,
			Position:          protocol.Position{X: t.X, Y: t.Y},
			SuggestedMarkerID: SuggestMarkerID(t.Name, typ),
		})
	}
	return msg, nil
}
