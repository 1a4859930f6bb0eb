package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages are skipped when resolving the caller of a log line.
var wrapperPackages = []string{"github.com/sirupsen/logrus.", "candleflow/logger."}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// Entry wrappers, which would otherwise be reported for every line.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if f, ok := firstForeignFrame(4); ok {
		entry.Caller = &f
	}
	return nil
}

func firstForeignFrame(skip int) (runtime.Frame, bool) {
	var pcs [24]uintptr
	frames := runtime.CallersFrames(pcs[:runtime.Callers(skip, pcs[:])])
	for {
		f, more := frames.Next()
		if !isWrapper(f.Function) {
			return f, f.Function != ""
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isWrapper(fn string) bool {
	for _, p := range wrapperPackages {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
