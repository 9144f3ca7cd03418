// Package actions dispatches poll operations through the active contract
// session.
package actions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidAction is wrapped by argument validation failures.
var ErrInvalidAction = errors.New("actions: invalid action")

// Action is one of CreatePoll, VoteOption1, VoteOption2 or ClosePoll. The set
// is closed; other implementations cannot be declared outside this package.
type Action interface {
	// Name identifies the action in logs and the journal.
	Name() string
	// Poll returns the poll the action targets.
	Poll() *uint256.Int
	sealed()
}

// CreatePoll opens a new poll.
type CreatePoll struct {
	ID       *uint256.Int
	Question string
	Option1  string
	Option2  string
}

// VoteOption1 casts a vote for the first option of a poll.
type VoteOption1 struct {
	ID *uint256.Int
}

// VoteOption2 casts a vote for the second option of a poll.
type VoteOption2 struct {
	ID *uint256.Int
}

// ClosePoll stops a poll from accepting votes.
type ClosePoll struct {
	ID *uint256.Int
}

func (CreatePoll) Name() string  { return "createPoll" }
func (VoteOption1) Name() string { return "voteOption1" }
func (VoteOption2) Name() string { return "voteOption2" }
func (ClosePoll) Name() string   { return "closePoll" }

func (a CreatePoll) Poll() *uint256.Int  { return a.ID }
func (a VoteOption1) Poll() *uint256.Int { return a.ID }
func (a VoteOption2) Poll() *uint256.Int { return a.ID }
func (a ClosePoll) Poll() *uint256.Int   { return a.ID }

func (CreatePoll) sealed()  {}
func (VoteOption1) sealed() {}
func (VoteOption2) sealed() {}
func (ClosePoll) sealed()   {}

// Validate checks the arguments of a before it is submitted.
func Validate(a Action) error {
	if a == nil {
		return fmt.Errorf("%w: action required", ErrInvalidAction)
	}
	if a.Poll() == nil {
		return fmt.Errorf("%w: poll id required", ErrInvalidAction)
	}
	if c, ok := a.(CreatePoll); ok {
		switch {
		case strings.TrimSpace(c.Question) == "":
			return fmt.Errorf("%w: question required", ErrInvalidAction)
		case strings.TrimSpace(c.Option1) == "":
			return fmt.Errorf("%w: option1 required", ErrInvalidAction)
		case strings.TrimSpace(c.Option2) == "":
			return fmt.Errorf("%w: option2 required", ErrInvalidAction)
		}
	}
	return nil
}

// Parse builds an action from its name as used on the command line.
func Parse(name string, id *uint256.Int, text ...string) (Action, error) {
	switch strings.TrimSpace(name) {
	case "createPoll", "create-poll":
		if len(text) != 3 {
			return nil, fmt.Errorf("%w: createPoll takes a question and two options", ErrInvalidAction)
		}
		return CreatePoll{ID: id, Question: text[0], Option1: text[1], Option2: text[2]}, nil
	case "voteOption1", "vote-option1":
		return VoteOption1{ID: id}, nil
	case "voteOption2", "vote-option2":
		return VoteOption2{ID: id}, nil
	case "closePoll", "close-poll":
		return ClosePoll{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, name)
	}
}
