package walletsync

import (
	"github.com/looplab/fsm"
)

// The states of the synchronizer.
const (
	// StateUninitialized is the state before Start resolved the tip.
	StateUninitialized = "UNINITIALIZED"

	// StateCaughtUp is the state while blocks connect to the tip.
	StateCaughtUp = "CAUGHT_UP"

	// StateReorgResolving is the state while the tip is checked against
	// the active chain and possibly rolled back.
	StateReorgResolving = "REORG_RESOLVING"

	// StateReplaying is the state while missed blocks are fetched from the
	// block store and absorbed in height order.
	StateReplaying = "REPLAYING"
)

// The events moving the synchronizer between states.
const (
	eventStart      = "START"
	eventResolve    = "RESOLVE"
	eventReplay     = "REPLAY"
	eventCatchUp    = "CATCH_UP"
	eventResetState = "RESET"
)

// newStateMachine creates the state machine of a synchronizer:
//
//	UNINITIALIZED -> CAUGHT_UP <-> REORG_RESOLVING <-> REPLAYING
func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{
				Name: eventStart,
				Src:  []string{StateUninitialized},
				Dst:  StateCaughtUp,
			},
			{
				Name: eventResolve,
				Src: []string{
					StateCaughtUp,
					StateReplaying,
				},
				Dst: StateReorgResolving,
			},
			{
				Name: eventReplay,
				Src:  []string{StateReorgResolving},
				Dst:  StateReplaying,
			},
			{
				Name: eventCatchUp,
				Src: []string{
					StateReorgResolving,
					StateReplaying,
				},
				Dst: StateCaughtUp,
			},
			{
				Name: eventResetState,
				Src: []string{
					StateCaughtUp,
					StateReorgResolving,
					StateReplaying,
				},
				Dst: StateUninitialized,
			},
		},
		fsm.Callbacks{},
	)
}
