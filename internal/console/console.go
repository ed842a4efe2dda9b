// Package console gates user-facing output to the designated reporter
// process. Every rank computes; only rank 0 speaks.
package console

import (
	"fmt"
	"io"
)

type Reporter struct {
	w       io.Writer
	enabled bool
}

// New returns a reporter that writes to w only when enabled.
func New(w io.Writer, enabled bool) *Reporter {
	return &Reporter{w: w, enabled: enabled}
}

func (r *Reporter) Print(args ...interface{}) {
	if r.enabled {
		fmt.Fprint(r.w, args...)
	}
}

func (r *Reporter) Println(args ...interface{}) {
	if r.enabled {
		fmt.Fprintln(r.w, args...)
	}
}

func (r *Reporter) Printf(format string, args ...interface{}) {
	if r.enabled {
		fmt.Fprintf(r.w, format, args...)
	}
}
