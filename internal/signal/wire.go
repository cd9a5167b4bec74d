package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSignal is returned when decoding a pair whose name is not registered.
var ErrUnknownSignal = errors.New("unknown signal")

// Pair is the wire form of a signal: a two element JSON array of the name
// and its argument list.
type Pair struct {
	Name Name
	Args []any
}

// MarshalJSON encodes the pair as ["name", [args...]].
func (p Pair) MarshalJSON() ([]byte, error) {
	args := p.Args
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal([]any{string(p.Name), args})
	if err != nil {
		return nil, fmt.Errorf("marshal signal pair: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes ["name", [args...]].
func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal signal pair: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("signal pair must have 2 elements, got %d", len(raw))
	}
	var name string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return fmt.Errorf("unmarshal signal name: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw[1]))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return fmt.Errorf("unmarshal signal args: %w", err)
	}
	for i, arg := range args {
		args[i] = RestoreNumbers(arg)
	}
	p.Name = Name(name)
	p.Args = args
	return nil
}

// RestoreNumbers replaces the json.Number values left by a decoder with
// UseNumber: integers become int64, values with a fraction or exponent become
// float64, and integers too large for int64 stay json.Number so no digits are
// lost. Slices and maps are walked in place.
func RestoreNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if strings.ContainsAny(val.String(), ".eE") {
			if f, err := val.Float64(); err == nil {
				return f
			}
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = RestoreNumbers(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = RestoreNumbers(item)
		}
		return val
	default:
		return v
	}
}

// Registry is the vocabulary of signals that may cross a worker boundary.
type Registry struct {
	names map[Name]struct{}
}

// NewRegistry builds a registry recognizing the given names.
func NewRegistry(names ...Name) *Registry {
	r := &Registry{names: make(map[Name]struct{}, len(names))}
	for _, name := range names {
		r.names[name] = struct{}{}
	}
	return r
}

// DefaultRegistry recognizes every signal defined by this package.
func DefaultRegistry() *Registry {
	return NewRegistry(
		InvalidURLMapping,
		InvalidStateURL,
		InvalidState,
		StopScraping,
		JumpToNextStage,
		BadTuneReturnValue,
	)
}

// Recognizes reports whether name is registered.
func (r *Registry) Recognizes(name Name) bool {
	_, ok := r.names[name]
	return ok
}

// Encode converts a recognized error into its wire pair. Errors that are not
// registered signals, signals joined with other errors, and jump signals which
// must be handled by the caller in the same worker, are returned unchanged as
// the error result.
func (r *Registry) Encode(err error) (Pair, error) {
	var sig *Signal
	if !errors.As(err, &sig) || !r.Recognizes(sig.Name) || joinsForeign(err) {
		return Pair{}, err
	}
	if sig.Name == JumpToNextStage {
		return Pair{}, err
	}
	args := make([]any, len(sig.Args))
	copy(args, sig.Args)
	return Pair{Name: sig.Name, Args: args}, nil
}

// Decode rebuilds the signal described by p.
func (r *Registry) Decode(p Pair) error {
	if !r.Recognizes(p.Name) {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, p.Name)
	}
	return New(p.Name, p.Args...)
}
