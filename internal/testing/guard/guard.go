// Package guard switches the binaries into test mode when blank-imported
// from a test, so main() returns before touching Postgres or Redis.
package guard

import (
	"os"
	"sync"

	"github.com/odyssey-erp/odyssey-fincore/internal/app"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(app.TestModeEnv) == "" {
			_ = os.Setenv(app.TestModeEnv, "1")
		}
		app.RefreshTestMode()
	})
}
