package pipeline

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Stage is a document's position in the pipeline. A document moves
// through the stages in order; any error moves it to Failed.
type Stage int

const (
	Received Stage = iota
	Recognized
	RuleAdjusted
	Resolved
	Transformed
	Rewritten
	Done
	Failed
)

var stageNames = [...]string{
	Received:     "received",
	Recognized:   "recognized",
	RuleAdjusted: "rule_adjusted",
	Resolved:     "resolved",
	Transformed:  "transformed",
	Rewritten:    "rewritten",
	Done:         "done",
	Failed:       "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// SafeValue implements redact.SafeValue.
func (s Stage) SafeValue() {}

var _ redact.SafeValue = Stage(0)

var (
	// ErrRecognizerUnavailable is returned when the recognizer fails.
	ErrRecognizerUnavailable = errors.New("recognizer unavailable")
	// ErrRecognizerTimeout is returned when the recognizer does not answer
	// before the deadline or the caller cancels.
	ErrRecognizerTimeout = errors.New("recognizer timeout")
	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// StageError reports the stage a document failed to reach. The document
// itself is in the Failed state.
type StageError struct {
	DocumentID string
	Stage      Stage
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("document %s: %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(docID string, stage Stage, err error) error {
	return &StageError{DocumentID: docID, Stage: stage, Err: err}
}
