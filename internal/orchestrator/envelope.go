package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// Tag keys added to record envelopes so a persistence worker can rebuild the
// stage and case that produced them.
const (
	TagStage = "stage.name"
	TagCase  = "case.name"
	TagURL   = "stage.url"
)

var errNotTransportSafe = errors.New("value is not transport safe")

// envelope is a decoded results-queue item: exactly one of record or pair is set.
type envelope struct {
	record stage.Record
	pair   *signal.Pair
}

func encodeRecord(rec stage.Record) ([]byte, error) {
	for k, v := range rec {
		if !transportSafe(v) {
			return nil, fmt.Errorf("field %q (%T): %w", k, v, errNotTransportSafe)
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func encodePair(p signal.Pair) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal signal: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return envelope{}, errors.New("empty envelope")
	}
	switch trimmed[0] {
	case '[':
		var p signal.Pair
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return envelope{}, err
		}
		return envelope{pair: &p}, nil
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var rec stage.Record
		if err := dec.Decode(&rec); err != nil {
			return envelope{}, fmt.Errorf("unmarshal record: %w", err)
		}
		for k, v := range rec {
			rec[k] = signal.RestoreNumbers(v)
		}
		return envelope{record: rec}, nil
	default:
		return envelope{}, fmt.Errorf("unexpected envelope %q", trimmed[:1])
	}
}

// untag removes the routing tags from rec and returns them.
func untag(rec stage.Record) (stageName, caseName, stageURL string, ok bool) {
	stageName, ok1 := rec[TagStage].(string)
	caseName, ok2 := rec[TagCase].(string)
	stageURL, _ = rec[TagURL].(string)
	delete(rec, TagStage)
	delete(rec, TagCase)
	delete(rec, TagURL)
	return stageName, caseName, stageURL, ok1 && ok2 && stageName != "" && caseName != ""
}

func transportSafe(v any) bool {
	switch val := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []string:
		return true
	case []any:
		for _, item := range val {
			switch item.(type) {
			case nil, string, bool, json.Number, int, int64, float64:
			default:
				return false
			}
		}
		return true
	default:
		return false
	}
}
