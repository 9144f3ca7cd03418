package types

import "github.com/holiman/uint256"

// DerivedState is the application-facing projection of a single ledger
// snapshot. Values are produced once and replaced wholesale on every update;
// callers must treat them as read-only and use Clone before mutating.
type DerivedState struct {
	Polls     []Poll      `json:"polls"`
	VoteCount []VoteCount `json:"voteCount"`
}

// Clone returns a deep copy of the derived state.
func (s DerivedState) Clone() DerivedState {
	out := DerivedState{
		Polls:     make([]Poll, len(s.Polls)),
		VoteCount: make([]VoteCount, len(s.VoteCount)),
	}
	for i, p := range s.Polls {
		out.Polls[i] = p.Clone()
	}
	for i, v := range s.VoteCount {
		out.VoteCount[i] = v.Clone()
	}
	return out
}

// Equal reports element-wise equality, preserving ledger order.
func (s DerivedState) Equal(o DerivedState) bool {
	if len(s.Polls) != len(o.Polls) || len(s.VoteCount) != len(o.VoteCount) {
		return false
	}
	for i := range s.Polls {
		if !s.Polls[i].Equal(o.Polls[i]) {
			return false
		}
	}
	for i := range s.VoteCount {
		if !s.VoteCount[i].Equal(o.VoteCount[i]) {
			return false
		}
	}
	return true
}

// Poll returns the poll with the supplied identifier.
func (s DerivedState) Poll(id *uint256.Int) (Poll, bool) {
	for _, p := range s.Polls {
		if uintEqual(p.ID, id) {
			return p.Clone(), true
		}
	}
	return Poll{}, false
}

// Votes returns the tally recorded for the supplied poll identifier.
func (s DerivedState) Votes(id *uint256.Int) (VoteCount, bool) {
	for _, v := range s.VoteCount {
		if uintEqual(v.PollID, id) {
			return v.Clone(), true
		}
	}
	return VoteCount{}, false
}

// ActivePolls returns the polls still accepting votes, in ledger order.
func (s DerivedState) ActivePolls() []Poll {
	out := make([]Poll, 0, len(s.Polls))
	for _, p := range s.Polls {
		if p.IsActive {
			out = append(out, p.Clone())
		}
	}
	return out
}
