package compiler

import (
	"fmt"
	"strings"
)

// ErrorList accumulates parse/compile errors instead of failing on the
// first one, so a single rule document reports every problem in one
// pass.
type ErrorList struct {
	errs []error
}

func (l *ErrorList) Add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *ErrorList) Addf(format string, args ...any) {
	l.Add(fmt.Errorf(format, args...))
}

func (l *ErrorList) HasErrors() bool { return len(l.errs) > 0 }

func (l *ErrorList) Errors() []error { return l.errs }

func (l *ErrorList) Error() string {
	parts := make([]string, len(l.errs))
	for i, e := range l.errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// AsError returns l as an error if it holds any, else nil, so callers can
// write `if err := errs.AsError(); err != nil { ... }`.
func (l *ErrorList) AsError() error {
	if l.HasErrors() {
		return l
	}
	return nil
}
