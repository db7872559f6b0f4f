// Package sklog is a thin structured-logging façade backed by glog.
//
// Every component in this module logs through sklog rather than the bare
// log package or fmt, so that log verbosity and destination are controlled
// uniformly by glog's flags (--logtostderr, --v, etc).
package sklog

import (
	"github.com/golang/glog"
)

// Debug logs at verbose level 1. Use for noisy, high-frequency detail.
func Debug(args ...interface{}) {
	glog.V(1).Info(args...)
}

// Debugf is the formatted form of Debug.
func Debugf(format string, args ...interface{}) {
	glog.V(1).Infof(format, args...)
}

// Info logs at informational level.
func Info(args ...interface{}) {
	glog.Info(args...)
}

// Infof is the formatted form of Info.
func Infof(format string, args ...interface{}) {
	glog.Infof(format, args...)
}

// Warning logs at warning level.
func Warning(args ...interface{}) {
	glog.Warning(args...)
}

// Warningf is the formatted form of Warning.
func Warningf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

// Error logs at error level.
func Error(args ...interface{}) {
	glog.Error(args...)
}

// Errorf is the formatted form of Error.
func Errorf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
}

// Fatal logs at fatal level and then exits the process.
func Fatal(args ...interface{}) {
	glog.Fatal(args...)
}

// Fatalf is the formatted form of Fatal.
func Fatalf(format string, args ...interface{}) {
	glog.Fatalf(format, args...)
}
