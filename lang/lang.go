// Package lang renders counts and lists for log lines and console output.
package lang

import (
	"fmt"
	"strings"

	"github.com/gertd/go-pluralize"
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

var plural = pluralize.NewClient()

// Card returns "no files", "1 file" or "3 files".
func Card(n int, noun string) string {
	if n == 0 {
		return "no " + plural.Plural(noun)
	}
	return plural.Pluralize(noun, n, true)
}

// Plural returns the plural form of noun.
func Plural(noun string) string {
	return plural.Plural(noun)
}

// Enumerator joins elements into an English list, e.g. "a.js, b.js and c.js".
type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &strings.Builder{}
	for idx, element := range elements {
		fmt.Fprintf(res, pattern, element)
		switch {
		case idx+2 < len(elements):
			fmt.Fprintf(res, "%s ", separator)
		case idx+1 < len(elements):
			fmt.Fprintf(res, " %s ", operator)
		}
	}
	return res.String()
}
