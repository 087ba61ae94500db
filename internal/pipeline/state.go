package pipeline

import (
	"github.com/Lllllllleong/publishflow/internal/apperr"
)

// State is the externally visible phase of a session.
type State string

const (
	StateEmpty       State = "EMPTY"
	StateIngested    State = "INGESTED"
	StateConfiguring State = "CONFIGURING"
	StatePreviewing  State = "PREVIEWING"
	StateFinalizing  State = "FINALIZING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Op is a caller-issued operation gated by the transition table.
type Op string

const (
	OpUpload  Op = "upload"
	OpConvert Op = "convert"
	OpEdit    Op = "edit"
	OpPreview Op = "preview"
	OpFinal   Op = "final"
	OpAssist  Op = "assist"
	OpChat    Op = "chat"
)

// allowedOps lists what may be issued in each state. Previewing and Finalizing are
// the states reported while the latest preview or final render is in flight.
var allowedOps = map[State]map[Op]bool{
	StateEmpty:       {OpUpload: true, OpChat: true},
	StateFailed:      {OpUpload: true, OpChat: true},
	StateIngested:    {OpUpload: true, OpConvert: true, OpEdit: true, OpAssist: true, OpChat: true},
	StateConfiguring: {OpUpload: true, OpConvert: true, OpEdit: true, OpPreview: true, OpFinal: true, OpAssist: true, OpChat: true},
	StatePreviewing:  {OpConvert: true, OpEdit: true, OpPreview: true, OpFinal: true, OpAssist: true, OpChat: true},
	StateFinalizing:  {OpConvert: true, OpEdit: true, OpPreview: true, OpFinal: true, OpAssist: true, OpChat: true},
	StateCompleted:   {OpUpload: true, OpConvert: true, OpEdit: true, OpPreview: true, OpFinal: true, OpAssist: true, OpChat: true},
}

// checkOp returns PIPELINE INVALID_STATE when op is not allowed in state.
func checkOp(state State, op Op) error {
	if allowedOps[state][op] {
		return nil
	}
	return apperr.Newf(apperr.StagePipeline, apperr.CodeInvalidState, "%s not allowed in state %s", op, state)
}

// Settled phases a session rests in between requests. In-flight renders are
// tracked separately and only change what State reports.
type phase int

const (
	phaseEmpty phase = iota
	phaseIngested
	phaseConfiguring
	phaseCompleted
	phaseFailed
)

func (p phase) state() State {
	switch p {
	case phaseIngested:
		return StateIngested
	case phaseConfiguring:
		return StateConfiguring
	case phaseCompleted:
		return StateCompleted
	case phaseFailed:
		return StateFailed
	default:
		return StateEmpty
	}
}

// event is an outcome that moves the settled phase.
type event int

const (
	evIngested event = iota
	evIngestFailed
	evEdited
	evFinalDone
	evRenderFailed
)

// nextPhase is the settled-phase transition table. ok is false for an event that
// does not apply in from; the caller leaves the phase unchanged.
func nextPhase(from phase, ev event) (to phase, ok bool) {
	switch ev {
	case evIngested:
		return phaseIngested, true
	case evIngestFailed:
		if from == phaseEmpty || from == phaseFailed {
			return phaseFailed, true
		}
	case evEdited:
		if from == phaseIngested || from == phaseConfiguring || from == phaseCompleted {
			return phaseConfiguring, true
		}
	case evFinalDone:
		if from == phaseConfiguring || from == phaseCompleted {
			return phaseCompleted, true
		}
	case evRenderFailed:
		if from == phaseConfiguring || from == phaseCompleted {
			return phaseConfiguring, true
		}
	}
	return from, false
}
