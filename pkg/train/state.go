// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/pkg/errors"
)

// State of the Trainer.
type State int

const (
	StateInit State = iota
	StateTraining
	StateEvaluating
	StateSaving
	StateDone
	StateFailed
)

var stateNames = []string{"Init", "Training", "Evaluating", "Saving", "Done", "Failed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns whether no transition leaves the state.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// transitions lists the valid transitions, except to StateFailed, which is reachable from any
// non-terminal state.
var transitions = map[State][]State{
	StateInit:       {StateTraining},
	StateTraining:   {StateEvaluating, StateSaving, StateDone},
	StateEvaluating: {StateTraining, StateSaving, StateDone},
	StateSaving:     {StateTraining, StateDone},
}

// validTransition reports whether the trainer can go from one state to the other.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChangeFn is called after every state transition.
type StateChangeFn func(t *Trainer, from, to State)

// setState moves the trainer to the new state and calls the OnStateChange hooks.
// An invalid transition is a bug, and it is returned as an error that fails the run.
func (t *Trainer) setState(to State) error {
	from := t.state
	if !validTransition(from, to) {
		return errors.Errorf("invalid trainer state transition %s -> %s", from, to)
	}
	t.state = to
	for _, fn := range t.onStateChange {
		fn(t, from, to)
	}
	return nil
}
