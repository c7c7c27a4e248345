// Package errhandler reporting contract for malformed input and the policies
// that decide whether a report aborts the current operation.
package errhandler

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Severity of a report
type Severity uint8

const (
	Warning Severity = iota
	Error
	Fatal
)

var ErrPolicy = errors.New("unknown error policy")

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Severity(%d)", s)
}

// Handler receives reports. A non-nil return means the caller must abort,
// the returned error carries the report. line and col are -1 when unknown.
type Handler interface {
	Warning(msg string, line, col int64) error
	Error(msg string, line, col int64) error
	Fatal(msg string, line, col int64) error
}

// ParseError one report, also used by producers to hand a malformed tuple
// to the loader
type ParseError struct {
	Severity Severity
	Line     int64
	Col      int64
	Msg      string
}

// Error implements error interface
func (e *ParseError) Error() string {
	return FormatMessage(e.Msg, e.Line, e.Col)
}

// FormatMessage "[line: L, col: C] msg", positions below zero are left out
func FormatMessage(msg string, line, col int64) string {
	switch {
	case line >= 0 && col >= 0:
		return fmt.Sprintf("[line: %d, col: %d] %s", line, col, msg)
	case line >= 0:
		return fmt.Sprintf("[line: %d] %s", line, msg)
	}
	return msg
}

// Report dispatches e to the method of h matching its severity
func Report(h Handler, e *ParseError) error {
	switch e.Severity {
	case Warning:
		return h.Warning(e.Msg, e.Line, e.Col)
	case Error:
		return h.Error(e.Msg, e.Line, e.Col)
	}
	return h.Fatal(e.Msg, e.Line, e.Col)
}

// policy what a handler does per severity
type policy struct {
	log   [3]bool
	abort [3]bool
}

// handler logs through zap and aborts per policy
type handler struct {
	name  string
	p     policy
	sugar *zap.SugaredLogger
}

func (h *handler) report(s Severity, msg string, line, col int64) error {
	if h.p.log[s] {
		text := FormatMessage(msg, line, col)
		switch s {
		case Warning:
			h.sugar.Warnw(text, "line", line, "col", col)
		default:
			h.sugar.Errorw(text, "line", line, "col", col, "severity", s.String())
		}
	}
	if h.p.abort[s] {
		return &ParseError{Severity: s, Line: line, Col: col, Msg: msg}
	}
	return nil
}

func (h *handler) Warning(msg string, line, col int64) error {
	return h.report(Warning, msg, line, col)
}

func (h *handler) Error(msg string, line, col int64) error {
	return h.report(Error, msg, line, col)
}

func (h *handler) Fatal(msg string, line, col int64) error {
	return h.report(Fatal, msg, line, col)
}

// String is Stringer implementation
func (h *handler) String() string {
	return h.name
}

func newHandler(name string, p policy, logger *zap.Logger) Handler {
	return &handler{
		name:  name,
		p:     p,
		sugar: logger.Sugar().With("policy", name),
	}
}

// Std logs everything, aborts on error and fatal
func Std(logger *zap.Logger) Handler {
	return newHandler("std", policy{
		log:   [3]bool{true, true, true},
		abort: [3]bool{false, true, true},
	}, logger)
}

// Warn logs everything, aborts on fatal only
func Warn(logger *zap.Logger) Handler {
	return newHandler("warn", policy{
		log:   [3]bool{true, true, true},
		abort: [3]bool{false, false, true},
	}, logger)
}

// IgnoreWarnings drops warnings, logs and aborts on error and fatal
func IgnoreWarnings(logger *zap.Logger) Handler {
	return newHandler("nowarn", policy{
		log:   [3]bool{false, true, true},
		abort: [3]bool{false, true, true},
	}, logger)
}

// Strict logs and aborts on everything, warnings included
func Strict(logger *zap.Logger) Handler {
	return newHandler("strict", policy{
		log:   [3]bool{true, true, true},
		abort: [3]bool{true, true, true},
	}, logger)
}

// Silent logs nothing, aborts on error and fatal
func Silent() Handler {
	return newHandler("silent", policy{
		abort: [3]bool{false, true, true},
	}, zap.NewNop())
}

// ByName std | warn | nowarn | strict | silent
func ByName(name string, logger *zap.Logger) (Handler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "std", "":
		return Std(logger), nil
	case "warn":
		return Warn(logger), nil
	case "nowarn":
		return IgnoreWarnings(logger), nil
	case "strict":
		return Strict(logger), nil
	case "silent":
		return Silent(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrPolicy, name)
}

// Recorder counts reports per severity and keeps the last few, then delegates
type Recorder struct {
	mu     sync.Mutex
	next   Handler
	counts [3]int64
	last   []ParseError
	keep   int
}

// NewRecorder wraps next, keep is how many recent reports are retained
func NewRecorder(next Handler, keep int) *Recorder {
	return &Recorder{next: next, keep: keep}
}

func (r *Recorder) record(s Severity, msg string, line, col int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[s]++
	if r.keep <= 0 {
		return
	}
	if len(r.last) == r.keep {
		r.last = r.last[1:]
	}
	r.last = append(r.last, ParseError{Severity: s, Line: line, Col: col, Msg: msg})
}

func (r *Recorder) Warning(msg string, line, col int64) error {
	r.record(Warning, msg, line, col)
	return r.next.Warning(msg, line, col)
}

func (r *Recorder) Error(msg string, line, col int64) error {
	r.record(Error, msg, line, col)
	return r.next.Error(msg, line, col)
}

func (r *Recorder) Fatal(msg string, line, col int64) error {
	r.record(Fatal, msg, line, col)
	return r.next.Fatal(msg, line, col)
}

// Count reports of severity s so far
func (r *Recorder) Count(s Severity) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[s]
}

// Last retained reports, oldest first
func (r *Recorder) Last() []ParseError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ParseError(nil), r.last...)
}
