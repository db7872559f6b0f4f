// Package skerr annotates errors with the call sites they pass through so
// that a log line retains enough context to find the failing code without a
// separate stack trace library. Each Wrap/Wrapf/Fmt call appends its own
// call site to a trailer printed at the end of the error string, e.g.
// "could not open file: permission denied. At reader.go:40 main.go:12".
package skerr

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// StackTrace is one "file:line" entry in an error's accumulated call-site
// trail.
type StackTrace struct {
	File string
	Line int
}

func (s StackTrace) String() string {
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// CallStack returns up to n call sites, starting skip frames above its own
// caller (skip=0 names the function that called CallStack). n<=0 returns
// every frame available.
func CallStack(skip, n int) []StackTrace {
	var sites []StackTrace
	for i := 0; n <= 0 || len(sites) < n; i++ {
		_, file, line, ok := runtime.Caller(skip + 1 + i)
		if !ok {
			break
		}
		sites = append(sites, StackTrace{File: filepath.Base(file), Line: line})
	}
	return sites
}

// callSite returns the call site of the function that called the skerr
// function that called callSite (two frames up).
func callSite() StackTrace {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return StackTrace{File: "???", Line: 0}
	}
	return StackTrace{File: filepath.Base(file), Line: line}
}

// wrapped is an error annotated with a message (optional) and the
// accumulated trail of call sites it has passed through.
type wrapped struct {
	msg   string
	cause error
	sites []StackTrace
}

func (w *wrapped) Error() string {
	parts := make([]string, len(w.sites))
	for i, s := range w.sites {
		parts[i] = s.String()
	}
	return w.baseMessage() + ". At " + strings.Join(parts, " ")
}

func (w *wrapped) baseMessage() string {
	if w.cause == nil {
		return w.msg
	}
	causeMsg := w.cause.Error()
	if cw, ok := w.cause.(*wrapped); ok {
		causeMsg = cw.baseMessage()
	}
	if w.msg == "" {
		return causeMsg
	}
	return w.msg + ": " + causeMsg
}

// Unwrap implements the standard errors.Unwrap contract, returning the
// immediate cause (possibly another *wrapped, possibly nil).
func (w *wrapped) Unwrap() error {
	return w.cause
}

func sitesOf(err error) []StackTrace {
	if w, ok := err.(*wrapped); ok {
		return append([]StackTrace(nil), w.sites...)
	}
	return nil
}

// Wrap annotates err with its call site. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, sites: append(sitesOf(err), callSite())}
}

// Wrapf annotates err with its call site and an additional formatted
// message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &wrapped{
		msg:   fmt.Sprintf(format, args...),
		cause: err,
		sites: append(sitesOf(err), callSite()),
	}
}

// Fmt builds a new error, annotated with its call site.
func Fmt(format string, args ...interface{}) error {
	return &wrapped{msg: fmt.Sprintf(format, args...), sites: []StackTrace{callSite()}}
}

// Unwrap walks down through every skerr annotation to the original cause.
// If that cause was itself built by Fmt (no deeper cause), it returns a
// plain error carrying just the formatted message, with no site trailer.
func Unwrap(err error) error {
	for {
		w, ok := err.(*wrapped)
		if !ok {
			return err
		}
		if w.cause == nil {
			return errors.New(w.msg)
		}
		err = w.cause
	}
}
