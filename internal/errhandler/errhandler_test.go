package errhandler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFormatMessage(t *testing.T) {
	require.Equal(t, "[line: 3, col: 7] bad term", FormatMessage("bad term", 3, 7))
	require.Equal(t, "[line: 3] bad term", FormatMessage("bad term", 3, -1))
	require.Equal(t, "bad term", FormatMessage("bad term", -1, -1))

	err := &ParseError{Severity: Error, Line: 1, Col: 2, Msg: "x"}
	require.EqualError(t, err, "[line: 1, col: 2] x")
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		name  string
		abort [3]bool
		logs  int
	}{
		{name: "std", abort: [3]bool{false, true, true}, logs: 3},
		{name: "warn", abort: [3]bool{false, false, true}, logs: 3},
		{name: "nowarn", abort: [3]bool{false, true, true}, logs: 2},
		{name: "strict", abort: [3]bool{true, true, true}, logs: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			h, err := ByName(tt.name, zap.New(core))
			require.NoError(t, err)

			got := [3]bool{
				h.Warning("w", 1, 1) != nil,
				h.Error("e", 2, 1) != nil,
				h.Fatal("f", 3, 1) != nil,
			}
			require.Equal(t, tt.abort, got)
			require.Equal(t, tt.logs, logs.Len())
		})
	}
}

func TestPolicy_AbortCarriesReport(t *testing.T) {
	err := Std(zap.NewNop()).Error("unexpected token", 12, 4)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, Error, pe.Severity)
	require.EqualValues(t, 12, pe.Line)
	require.EqualValues(t, 4, pe.Col)
}

func TestSilent(t *testing.T) {
	h := Silent()
	require.NoError(t, h.Warning("w", 1, 1))
	require.Error(t, h.Error("e", 1, 1))
	require.Error(t, h.Fatal("f", 1, 1))
}

func TestByName_Unknown(t *testing.T) {
	_, err := ByName("loud", zap.NewNop())
	require.ErrorIs(t, err, ErrPolicy)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(Warn(zap.NewNop()), 2)

	require.NoError(t, Report(r, &ParseError{Severity: Warning, Line: 1, Col: 1, Msg: "a"}))
	require.NoError(t, Report(r, &ParseError{Severity: Error, Line: 2, Col: 1, Msg: "b"}))
	require.NoError(t, Report(r, &ParseError{Severity: Error, Line: 3, Col: 1, Msg: "c"}))
	require.Error(t, Report(r, &ParseError{Severity: Fatal, Line: 4, Col: 1, Msg: "d"}))

	require.EqualValues(t, 1, r.Count(Warning))
	require.EqualValues(t, 2, r.Count(Error))
	require.EqualValues(t, 1, r.Count(Fatal))

	last := r.Last()
	require.Len(t, last, 2)
	require.Equal(t, "c", last[0].Msg)
	require.Equal(t, "d", last[1].Msg)
}
