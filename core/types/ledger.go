package types

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Poll mirrors a poll entry of the voting contract ledger. Polls are never
// removed from the ledger; closing one only clears IsActive.
type Poll struct {
	ID       *uint256.Int  `json:"id"`
	Creator  hexutil.Bytes `json:"creator"`
	Question string        `json:"question"`
	Option1  string        `json:"option1"`
	Option2  string        `json:"option2"`
	IsActive bool          `json:"isActive"`
}

// Clone returns a deep copy of the poll.
func (p Poll) Clone() Poll {
	out := p
	out.ID = cloneUint(p.ID)
	if p.Creator != nil {
		out.Creator = append(hexutil.Bytes{}, p.Creator...)
	}
	return out
}

// Equal reports whether both polls carry identical values.
func (p Poll) Equal(o Poll) bool {
	return uintEqual(p.ID, o.ID) &&
		string(p.Creator) == string(o.Creator) &&
		p.Question == o.Question &&
		p.Option1 == o.Option1 &&
		p.Option2 == o.Option2 &&
		p.IsActive == o.IsActive
}

// VoteCount tracks the tallies for both options of a poll.
type VoteCount struct {
	PollID *uint256.Int `json:"pollId"`
	Votes1 *uint256.Int `json:"votes1"`
	Votes2 *uint256.Int `json:"votes2"`
}

// Clone returns a deep copy of the tally.
func (v VoteCount) Clone() VoteCount {
	return VoteCount{
		PollID: cloneUint(v.PollID),
		Votes1: cloneUint(v.Votes1),
		Votes2: cloneUint(v.Votes2),
	}
}

// Equal reports whether both tallies carry identical values.
func (v VoteCount) Equal(o VoteCount) bool {
	return uintEqual(v.PollID, o.PollID) && uintEqual(v.Votes1, o.Votes1) && uintEqual(v.Votes2, o.Votes2)
}

// LedgerUpdate is a raw public ledger snapshot as delivered by the public data
// provider. State holds the undecoded contract ledger.
type LedgerUpdate struct {
	Address string          `json:"address"`
	Height  uint64          `json:"height"`
	State   json.RawMessage `json:"state"`
}

// SessionUpdate tags a ledger update with the session whose subscription
// delivered it.
type SessionUpdate struct {
	SessionID uuid.UUID
	LedgerUpdate
}

// ContractState is the one-shot view of a deployed contract returned by the
// public data provider.
type ContractState struct {
	Address string          `json:"address"`
	Height  uint64          `json:"height"`
	State   json.RawMessage `json:"state"`
}

func cloneUint(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

func uintEqual(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Eq(b)
}
