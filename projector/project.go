package projector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"pollsession/core/types"
)

var (
	errMissingPolls     = errors.New("polls missing")
	errMissingVoteCount = errors.New("voteCount missing")
)

type snapshot struct {
	Polls     *[]types.Poll      `json:"polls"`
	VoteCount *[]types.VoteCount `json:"voteCount"`
}

// Project maps a raw contract ledger into derived state. It is pure and
// deterministic; the same input always yields an equal result and the result
// shares no memory with raw. Snapshots that are not fully well-formed are
// rejected as a whole.
func Project(raw json.RawMessage) (types.DerivedState, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.DerivedState{}, errors.New("empty snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.DerivedState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Polls == nil {
		return types.DerivedState{}, errMissingPolls
	}
	if snap.VoteCount == nil {
		return types.DerivedState{}, errMissingVoteCount
	}

	out := types.DerivedState{
		Polls:     make([]types.Poll, 0, len(*snap.Polls)),
		VoteCount: make([]types.VoteCount, 0, len(*snap.VoteCount)),
	}
	seen := make(map[string]struct{}, len(*snap.Polls))
	for i, poll := range *snap.Polls {
		if poll.ID == nil {
			return types.DerivedState{}, fmt.Errorf("poll %d: id missing", i)
		}
		key := poll.ID.Hex()
		if _, dup := seen[key]; dup {
			return types.DerivedState{}, fmt.Errorf("poll %d: duplicate id %s", i, poll.ID.Dec())
		}
		seen[key] = struct{}{}
		out.Polls = append(out.Polls, poll.Clone())
	}

	counted := make(map[string]struct{}, len(*snap.VoteCount))
	for i, vc := range *snap.VoteCount {
		switch {
		case vc.PollID == nil:
			return types.DerivedState{}, fmt.Errorf("voteCount %d: pollId missing", i)
		case vc.Votes1 == nil || vc.Votes2 == nil:
			return types.DerivedState{}, fmt.Errorf("voteCount %d: tallies missing", i)
		}
		key := vc.PollID.Hex()
		if _, dup := counted[key]; dup {
			return types.DerivedState{}, fmt.Errorf("voteCount %d: duplicate pollId %s", i, vc.PollID.Dec())
		}
		counted[key] = struct{}{}
		out.VoteCount = append(out.VoteCount, vc.Clone())
	}
	return out, nil
}
