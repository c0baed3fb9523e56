// Package protogame holds helpers shared by every package of the game host.
package protogame

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStack attaches a stack trace to err unless it already carries one.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

// StackTrace renders the stack attached by WithStack, or "" if there is none.
func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	if err, ok := err.(stackTracer); ok {
		for _, f := range err.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// Errs collects several independent failures, e.g. from shutting down many services.
type Errs []error

func (e Errs) Error() string {
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// OrNil returns nil for an empty collection so callers can `return errs.OrNil()`.
func (e Errs) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
