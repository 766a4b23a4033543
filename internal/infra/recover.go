package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f until it returns normally, restarting it in place after a panic
// while restarts remain. A negative maxRestarts restarts forever; running out of restarts
// is fatal.
func GoRecoverable(maxRestarts int, id string, f func()) {
	for run(id, f) {
		if maxRestarts == 0 {
			log.WithField("job", id).Fatal("panics limit exceeded")
		}
		if maxRestarts > 0 {
			maxRestarts--
		}
		log.WithField("job", id).WithField("restarts_left", maxRestarts).Debug("restarting job")
	}
}

// Safe runs f once and turns a panic into an error log, for work that must not be retried.
func Safe(id string, f func()) {
	run(id, f)
}

// run reports whether f panicked.
func run(id string, f func()) (panicked bool) {
	defer func() {
		if err := recover(); err != nil {
			panicked = true
			log.WithFields(log.Fields{
				"job":   id,
				"at":    identifyPanic(),
				"panic": fmt.Sprint(err),
			}).Error("job panicked")
		}
	}()
	f()
	return false
}

func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
