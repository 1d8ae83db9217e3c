// Package log provides the package-level structured logger shared by
// every other package in this module, replacing the bare fmt.Printf
// debug prints Biscuit scatters through biscuit/src/fs/blk.go
// (bdev_debug) with leveled, structured logging.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the module-wide logger. Individual packages tag their entries
// with WithField("pkg", ...) rather than constructing sub-loggers, to
// keep a single global the way Biscuit keeps mem.Physmem as a single
// global allocator.
var L = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetDebug enables debug-level logging, the hosted equivalent of
// flipping Biscuit's bdev_debug constant to true.
func SetDebug(on bool) {
	if on {
		L.SetLevel(logrus.DebugLevel)
	} else {
		L.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger tagged with the given package name.
func For(pkg string) *logrus.Entry {
	return L.WithField("pkg", pkg)
}
