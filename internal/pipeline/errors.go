package pipeline

import "fmt"

// Stage names the five processing stages for error reporting and status
// tracking.
type Stage string

const (
	StageTextExtract Stage = "TEXT_EXTRACT"
	StageAnalyze     Stage = "ANALYZE"
	StageSplit       Stage = "SPLIT"
	StageExtract     Stage = "EXTRACT"
	StageFinalize    Stage = "FINALIZE"
)

// StageError is a fatal failure of one stage. The run halts immediately; the
// queue-facing status carries the stage name and a short cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StateError reports a stage invoked out of order. This is a programming
// error, not a document problem.
type StateError struct {
	Stage Stage
	Have  State
	Want  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stage %s requires state %s, run is in %s", e.Stage, e.Want, e.Have)
}
