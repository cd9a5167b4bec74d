// Package signal defines the recognized pipeline signals and the wire
// protocol used to relay them from workers back to a coordinator.
package signal

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a recognized signal. The string value is what travels on
// the wire, so it must stay stable.
type Name string

// Recognized signal names.
const (
	InvalidURLMapping  Name = "InvalidURLMapping"
	InvalidStateURL    Name = "InvalidStateURL"
	InvalidState       Name = "InvalidState"
	StopScraping       Name = "StopScraping"
	JumpToNextStage    Name = "JumpToNextStage"
	BadTuneReturnValue Name = "BadTuneReturnValue"
)

// Signal is an error carrying a recognized name and the arguments it was
// built with.
type Signal struct {
	Name Name
	Args []any
}

// Sentinels for errors.Is checks. Matching is by name only.
var (
	ErrInvalidURLMapping  = &Signal{Name: InvalidURLMapping}
	ErrInvalidStateURL    = &Signal{Name: InvalidStateURL}
	ErrInvalidState       = &Signal{Name: InvalidState}
	ErrStopScraping       = &Signal{Name: StopScraping}
	ErrJumpToNextStage    = &Signal{Name: JumpToNextStage}
	ErrBadTuneReturnValue = &Signal{Name: BadTuneReturnValue}
)

// New builds a signal with the given arguments.
func New(name Name, args ...any) *Signal {
	return &Signal{Name: name, Args: args}
}

// Error implements error.
func (s *Signal) Error() string {
	if len(s.Args) == 0 {
		return string(s.Name)
	}
	parts := make([]string, 0, len(s.Args))
	for _, arg := range s.Args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return string(s.Name) + ": " + strings.Join(parts, ", ")
}

// Is reports whether target is a signal with the same name.
func (s *Signal) Is(target error) bool {
	var other *Signal
	if !errors.As(target, &other) {
		return false
	}
	return other.Name == s.Name
}

// URLMapping reports that url could not be translated by pattern.
func URLMapping(url, pattern string) *Signal {
	return New(InvalidURLMapping, fmt.Sprintf("url %s does not match pattern %s", url, pattern))
}

// NoURL reports a stage that was asked to resolve or fetch without a URL.
func NoURL(stageName string) *Signal {
	return New(InvalidStateURL, fmt.Sprintf("no URL given for stage %s", stageName))
}

// State reports an operation attempted in the wrong lifecycle state.
func State(format string, args ...any) *Signal {
	return New(InvalidState, fmt.Sprintf(format, args...))
}

// Halt asks the whole pipeline to terminate successfully.
func Halt(reason string) *Signal {
	if reason == "" {
		return New(StopScraping)
	}
	return New(StopScraping, reason)
}

// Jump asks the immediate caller to skip the current item.
func Jump(reason string) *Signal {
	if reason == "" {
		return New(JumpToNextStage)
	}
	return New(JumpToNextStage, reason)
}

// BadTune reports an empty record returned by a stage's tune step.
func BadTune(stageName, url, value string) *Signal {
	return New(BadTuneReturnValue,
		fmt.Sprintf("stage %s (%s) cannot persist without data, tune returned %s", stageName, url, value))
}

// NameOf returns the signal name carried by err, if any.
func NameOf(err error) (Name, bool) {
	var sig *Signal
	if !errors.As(err, &sig) {
		return "", false
	}
	return sig.Name, true
}
