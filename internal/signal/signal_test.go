package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalMatchesByName(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", Halt("enough"))
	require.ErrorIs(t, err, ErrStopScraping)
	require.NotErrorIs(t, err, ErrJumpToNextStage)

	name, ok := NameOf(err)
	require.True(t, ok)
	require.Equal(t, StopScraping, name)

	_, ok = NameOf(errors.New("plain"))
	require.False(t, ok)
}

func TestURLMappingMessage(t *testing.T) {
	t.Parallel()

	err := URLMapping("/foo", `^https://(?P<host>.*)$`)
	require.Equal(t, "InvalidURLMapping: url /foo does not match pattern ^https://(?P<host>.*)$", err.Error())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, Continue},
		{"jump", Jump("not a product"), Skip},
		{"wrapped jump", fmt.Errorf("play: %w", Jump("")), Skip},
		{"stop", Halt(""), Stop},
		{"bad tune", BadTune("Product", "http://a.test", "{}"), Fatal},
		{"unknown", errors.New("boom"), Fatal},
		{"stop joined with crash", errors.Join(errors.New("boom"), Halt("")), Fatal},
		{"stop joined with stop", errors.Join(Halt("a"), fmt.Errorf("nested: %w", Halt("b"))), Stop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	sent := BadTune("Product", "http://a.test/p/1", "{}")

	pair, err := reg.Encode(sent)
	require.NoError(t, err)

	data, err := json.Marshal(pair)
	require.NoError(t, err)
	require.JSONEq(t, `["BadTuneReturnValue",["stage Product (http://a.test/p/1) cannot persist without data, tune returned {}"]]`, string(data))

	var decoded Pair
	require.NoError(t, json.Unmarshal(data, &decoded))

	rebuilt := reg.Decode(decoded)
	var sig *Signal
	require.ErrorAs(t, rebuilt, &sig)
	require.Equal(t, sent.Name, sig.Name)
	require.Equal(t, sent.Args, sig.Args)
	require.Equal(t, sent.Error(), rebuilt.Error())
}

func TestEncodeReturnsUnrecognizedErrors(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	boom := errors.New("boom")
	_, err := reg.Encode(boom)
	require.Same(t, boom, err)

	narrow := NewRegistry(StopScraping)
	mapping := URLMapping("x", "y")
	_, err = narrow.Encode(mapping)
	require.ErrorIs(t, err, ErrInvalidURLMapping)
}

func TestEncodeReturnsJump(t *testing.T) {
	t.Parallel()

	jump := Jump("skip me")
	_, err := DefaultRegistry().Encode(jump)
	require.ErrorIs(t, err, ErrJumpToNextStage)
}

func TestDecodeUnknownName(t *testing.T) {
	t.Parallel()

	err := DefaultRegistry().Decode(Pair{Name: "KeyError", Args: []any{"x"}})
	require.ErrorIs(t, err, ErrUnknownSignal)
}

func TestPairUnmarshalRejectsMalformed(t *testing.T) {
	t.Parallel()

	var p Pair
	require.Error(t, json.Unmarshal([]byte(`["StopScraping"]`), &p))
	require.Error(t, json.Unmarshal([]byte(`{"a":1}`), &p))
	require.NoError(t, json.Unmarshal([]byte(`["StopScraping",[]]`), &p))
	require.Equal(t, StopScraping, p.Name)
	require.Empty(t, p.Args)
}

func TestEncodeRefusesSignalJoinedWithCrash(t *testing.T) {
	t.Parallel()

	crash := errors.New("fetch_async panicked")
	joined := errors.Join(crash, Halt("saved enough"))

	_, err := DefaultRegistry().Encode(joined)
	require.ErrorIs(t, err, crash)
	require.ErrorIs(t, err, ErrStopScraping)
}

func TestPairKeepsNumericArgs(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	sent := New(InvalidState, "page", int64(9007199254740993), 2.5, true, nil, []any{int64(1), "x"})

	pair, err := reg.Encode(sent)
	require.NoError(t, err)
	data, err := json.Marshal(pair)
	require.NoError(t, err)

	var decoded Pair
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, sent.Args, decoded.Args)
	require.Equal(t, sent.Error(), reg.Decode(decoded).Error())
}

func TestRestoreNumbers(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(-4), RestoreNumbers(json.Number("-4")))
	require.Equal(t, 1000.0, RestoreNumbers(json.Number("1e3")))
	require.Equal(t, json.Number("18446744073709551615"), RestoreNumbers(json.Number("18446744073709551615")))
	require.Equal(t, map[string]any{"n": int64(2)}, RestoreNumbers(map[string]any{"n": json.Number("2")}))
	require.Equal(t, "7", RestoreNumbers("7"))
}
