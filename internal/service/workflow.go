package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Workflow string

const (
	WorkflowRegisterPlayer Workflow = "register-player"
	WorkflowLogMatch       Workflow = "log-match"
)

type State string

const (
	StateStart                 State = "Start"
	StateIdentifierAllocated   State = "IdentifierAllocated"
	StateParticipantsValidated State = "ParticipantsValidated"
	StateRatingComputed        State = "RatingComputed"
	StateMetadataStaged        State = "MetadataStaged"
	StateLedgerConfirmed       State = "LedgerConfirmed"
	StateMetadataPatched       State = "MetadataPatched"
	StateComplete              State = "Complete"
)

// WorkflowError is a workflow that ended in Failed. State is the last state
// reached before the failure, which tells the caller what may already be
// durable: nothing before MetadataStaged, an orphaned metadata row after it.
type WorkflowError struct {
	Workflow Workflow
	State    State
	ID       uuid.UUID
	Err      error
}

func (e *WorkflowError) Error() string {
	if e.ID == uuid.Nil {
		return fmt.Sprintf("%s failed at %s: %v", e.Workflow, e.State, e.Err)
	}
	return fmt.Sprintf("%s %s failed at %s: %v", e.Workflow, e.ID, e.State, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

type run struct {
	workflow Workflow
	state    State
	id       uuid.UUID
	logger   zerolog.Logger
}

func newRun(workflow Workflow, logger zerolog.Logger) *run {
	return &run{
		workflow: workflow,
		state:    StateStart,
		logger:   logger.With().Str("workflow", string(workflow)).Logger(),
	}
}

func (r *run) setID(id uuid.UUID) {
	r.id = id
	r.logger = r.logger.With().Str("id", id.String()).Logger()
}

func (r *run) advance(state State) {
	r.state = state
	r.logger.Debug().Str("state", string(state)).Msg("workflow advanced")
}

func (r *run) fail(err error) error {
	r.logger.Error().Err(err).Str("state", string(r.state)).Msg("workflow failed")
	return &WorkflowError{Workflow: r.workflow, State: r.state, ID: r.id, Err: err}
}
