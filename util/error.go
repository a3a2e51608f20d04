package util

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Error is an identified error; two Errors are the same for errors.Is when
// they were made by the same NewIDError call, regardless of the extra
// message or wrapped error attached later.
type Error struct {
	wrapped error
	id      string
	msg     string
	extra   string
}

func NewIDError(s string, a ...interface{}) Error {
	var pcs [1]uintptr

	_ = runtime.Callers(2, pcs[:])
	f := errors.Frame(pcs[0])

	return Error{
		id:  fmt.Sprintf("%n:%d", f, f),
		msg: strings.TrimSpace(fmt.Sprintf(s, a...)),
	}
}

func (er Error) Error() string {
	s := er.msg
	if len(er.extra) > 0 {
		s += " - " + er.extra
	}

	if er.wrapped != nil {
		if e := er.wrapped.Error(); len(e) > 0 {
			s += "; " + e
		}
	}

	return s
}

func (er Error) Unwrap() error {
	return er.wrapped
}

func (er Error) Is(err error) bool {
	e, ok := err.(Error) //nolint:errorlint //.
	if !ok {
		if er.wrapped == nil {
			return false
		}

		return errors.Is(er.wrapped, err)
	}

	return e.id == er.id
}

// Call marks the use site; kept for parity with Wrap and friends so sentinel
// Errors are never returned bare.
func (er Error) Call() Error {
	return er
}

func (er Error) Wrap(err error) Error {
	er.wrapped = err

	return er
}

func (er Error) WithMessage(err error, s string, a ...interface{}) Error {
	er.wrapped = err
	er.extra = fmt.Sprintf(s, a...)

	return er
}

func (er Error) Errorf(s string, a ...interface{}) Error {
	er.extra = fmt.Sprintf(s, a...)

	return er
}
