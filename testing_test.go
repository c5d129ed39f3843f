package testdb

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/allyourbase/testdb/internal/testutil"
)

// recordingTB captures what Open does with its testing.TB. Methods it does
// not override panic through the nil embedded interface.
type recordingTB struct {
	testing.TB
	cleanups []func()
	fatal    string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Cleanup(fn func()) { r.cleanups = append(r.cleanups, fn) }

// Fatalf stops the calling goroutine like testing.T does.
func (r *recordingTB) Fatalf(format string, args ...any) {
	r.fatal = fmt.Sprintf(format, args...)
	runtime.Goexit()
}

// run calls fn on its own goroutine so Fatalf can end it.
func (r *recordingTB) run(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

func (r *recordingTB) runCleanups() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.run(r.cleanups[i])
	}
}

func TestOpenFailsTestOnProvisioningError(t *testing.T) {
	t.Parallel()
	tb := &recordingTB{}

	var db *TestDB
	tb.run(func() {
		db = Open(tb, Config{URL: "mysql://localhost:3306"})
	})

	testutil.True(t, db == nil, "Open should not return after a provisioning failure")
	testutil.Contains(t, tb.fatal, "scheme must be postgres")
	testutil.SliceLen(t, tb.cleanups, 0)
}

func TestOpenCleanupFailsTestOnTeardownError(t *testing.T) {
	t.Parallel()
	tb := &recordingTB{}
	db := unreachable()

	closeOnCleanup(tb, db)
	testutil.SliceLen(t, tb.cleanups, 1)
	testutil.Equal(t, tb.fatal, "")

	tb.runCleanups()
	testutil.Contains(t, tb.fatal, "testdb: tearing down test_unreachable")
	testutil.True(t, db.closed.Load(), "database should be marked closed")
}
