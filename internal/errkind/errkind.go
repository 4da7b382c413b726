// Package errkind tags job errors as permanent (bad content that a retry
// cannot fix) or transient (I/O that may succeed later).
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a job failure.
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Permanentf builds a permanent error in the style of fmt.Errorf.
func Permanentf(format string, args ...any) error {
	return &classified{kind: Permanent, err: fmt.Errorf(format, args...)}
}

// AsPermanent marks err as permanent. A nil err stays nil.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: Permanent, err: err}
}

// Of returns the kind of err. Unclassified errors are transient.
func Of(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Transient
}

// IsPermanent reports whether err or anything it wraps is permanent.
func IsPermanent(err error) bool {
	return Of(err) == Permanent
}
