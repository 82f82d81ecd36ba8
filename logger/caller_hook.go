package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// pkgPath is derived rather than spelled out so the hook survives a module rename.
var pkgPath = reflect.TypeOf(callerHook{}).PkgPath()

// callerHook points entry.Caller at the first frame outside logrus and the
// Entry wrappers of this package.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

func (callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	// skip runtime.Callers and Fire itself
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])
	for {
		frame, more := frames.Next()
		if !wrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func wrapperFrame(fn string) bool {
	return strings.HasPrefix(fn, "github.com/sirupsen/logrus") || strings.HasPrefix(fn, pkgPath+".")
}
