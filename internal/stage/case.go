package stage

import "context"

// Record is a flat mapping of persistable values.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Case persists the final record of a stage.
type Case interface {
	Save(ctx context.Context, rec Record) error
}

// CaseFunc adapts a function to Case.
type CaseFunc func(ctx context.Context, rec Record) error

// Save implements Case.
func (f CaseFunc) Save(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// CaseFactory builds the Case for a given stage.
type CaseFactory func(s *Stage) (Case, error)

// Sink is a long-lived persistence backend shared by many stages.
type Sink interface {
	Store(ctx context.Context, s *Stage, rec Record) error
}

// SinkCase returns a factory binding sink to each stage it is built for.
func SinkCase(sink Sink) CaseFactory {
	return func(s *Stage) (Case, error) {
		return CaseFunc(func(ctx context.Context, rec Record) error {
			return sink.Store(ctx, s, rec)
		}), nil
	}
}
