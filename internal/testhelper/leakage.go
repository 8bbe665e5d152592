package testhelper

import (
	"fmt"

	"go.uber.org/goleak"
)

// mustHaveNoGoroutines panics if it finds any Goroutines running.
func mustHaveNoGoroutines() {
	if err := goleak.Find(
		// labkit's monitoring pulls in opencensus, whose "defaultWorker" is started by the
		// package's `init()` function. There is no way to stop this worker, so it will leak
		// whenever we import the package.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		// The database/sql connection pool spawns a goroutine per open connection. Tests
		// close their connections, but the pool reaps them asynchronously.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	); err != nil {
		panic(fmt.Errorf("goroutine leak: %w", err))
	}
}
