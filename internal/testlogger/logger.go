// Package testlogger provides a go-kit logger bound to a test.
package testlogger

import (
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
)

// New returns a log.Logger which prefixes records with the test name. The
// timestamp is emitted without the date or timezone to keep test output
// readable.
func New(t *testing.T) log.Logger {
	t.Helper()

	l := log.NewSyncLogger(log.NewLogfmtLogger(os.Stderr))
	return log.WithPrefix(l,
		"test", t.Name(),
		"ts", log.Valuer(func() interface{} {
			return time.Now().UTC().Format("15:04:05.000")
		}),
	)
}
