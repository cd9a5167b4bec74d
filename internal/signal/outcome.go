package signal

import "errors"

// Outcome is the control-flow result of a pipeline step.
type Outcome int

const (
	// Continue means the step succeeded.
	Continue Outcome = iota
	// Skip means the current item should be dropped and the loop continued.
	Skip
	// Stop means the pipeline should end successfully.
	Stop
	// Fatal means the error must propagate.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	default:
		return "fatal"
	}
}

// Classify maps an error returned by a pipeline step to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Continue
	case joinsForeign(err):
		return Fatal
	case errors.Is(err, ErrJumpToNextStage):
		return Skip
	case errors.Is(err, ErrStopScraping):
		return Stop
	default:
		return Fatal
	}
}

// joinsForeign reports whether err joins a signal with an error that carries
// no signal. Such an error must not be mistaken for the signal alone.
func joinsForeign(err error) bool {
	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, member := range e.Unwrap() {
			var sig *Signal
			if !errors.As(member, &sig) || joinsForeign(member) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return joinsForeign(e.Unwrap())
	default:
		return false
	}
}
