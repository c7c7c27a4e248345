// Package tuplesrc reads tuples from line oriented text: one tuple per line,
// node ids separated by blanks, closed by a ".".
//
//	# comment
//	1 2 3 .
//	4 5 6 .
package tuplesrc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

const maxLine = 1 << 20

// Reader produces the tuples of a text stream. A line without the closing
// "." gives the tuple together with a warning, any other defect gives an
// error report and no tuple.
type Reader struct {
	sc    *bufio.Scanner
	arity int
	line  int64
	c     io.Closer

	sugar *zap.SugaredLogger
}

func NewReader(r io.Reader, arity int, logger *zap.Logger) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{
		sc:    sc,
		arity: arity,
		sugar: logger.Sugar(),
	}
}

// Open reads the file at path, "-" is stdin
func Open(path string, arity int, logger *zap.Logger) (*Reader, error) {
	if path == "-" {
		return NewReader(os.Stdin, arity, logger), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tuplesrc.Open: %w", err)
	}
	r := NewReader(f, arity, logger)
	r.c = f
	r.sugar.Debugw("reading tuples", "path", path, "arity", arity)
	return r, nil
}

// Line number of the last line read
func (r *Reader) Line() int64 {
	return r.line
}

func (r *Reader) Next(ctx context.Context) (tuple.Tuple, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return nil, &errhandler.ParseError{
					Severity: errhandler.Fatal,
					Line:     r.line + 1,
					Col:      -1,
					Msg:      err.Error(),
				}
			}
			return nil, io.EOF
		}
		r.line++

		text := r.sc.Text()
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return r.parse(text)
	}
}

type field struct {
	text string
	col  int64
}

// fields splits on blanks keeping 1-based columns
func fields(s string) []field {
	var out []field
	start := -1
	for i, c := range s {
		blank := c == ' ' || c == '\t' || c == '\r'
		switch {
		case blank && start >= 0:
			out = append(out, field{text: s[start:i], col: int64(start + 1)})
			start = -1
		case !blank && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, field{text: s[start:], col: int64(start + 1)})
	}
	return out
}

func (r *Reader) parse(text string) (tuple.Tuple, error) {
	fs := fields(text)

	closed := false
	if last := &fs[len(fs)-1]; last.text == "." {
		fs = fs[:len(fs)-1]
		closed = true
	} else if strings.HasSuffix(last.text, ".") {
		last.text = strings.TrimSuffix(last.text, ".")
		closed = true
	}

	if len(fs) != r.arity {
		col := int64(1)
		if len(fs) > r.arity {
			col = fs[r.arity].col
		}
		return nil, r.report(errhandler.Error, col, "%d nodes, want %d", len(fs), r.arity)
	}

	t := make(tuple.Tuple, len(fs))
	for i, f := range fs {
		v, err := strconv.ParseUint(f.text, 10, 64)
		if err != nil {
			return nil, r.report(errhandler.Error, f.col, "bad node id %q", f.text)
		}
		if v == uint64(tuple.AnyNode) {
			return nil, r.report(errhandler.Error, f.col, "node id 0 is reserved")
		}
		t[i] = tuple.NodeID(v)
	}

	if !closed {
		return t, r.report(errhandler.Warning, -1, "missing closing \".\"")
	}
	return t, nil
}

func (r *Reader) report(s errhandler.Severity, col int64, format string, args ...any) *errhandler.ParseError {
	return &errhandler.ParseError{
		Severity: s,
		Line:     r.line,
		Col:      col,
		Msg:      fmt.Sprintf(format, args...),
	}
}

// Close closes the underlying file, if the reader opened one
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}
