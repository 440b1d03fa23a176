package execrt

import (
	"os"
	"sync"
)

// envMu serializes process-environment mutation. Environment variables are
// process-global OS state, so a real mutex is required; cooperative yielding
// is not enough when multiple sessions run on different goroutines.
var envMu sync.Mutex

// WithEnv applies environment overrides for the duration of fn and restores
// the previous values afterward, including on panic. The snapshot of shadowed
// keys is local to this call so nested invocations on other goroutines queue
// behind the mutex without clobbering each other's restore data.
//
// Used to inject per-tool-call credentials around a scoped operation.
func WithEnv(overrides map[string]string, fn func() error) error {
	if len(overrides) == 0 {
		return fn()
	}

	envMu.Lock()
	defer envMu.Unlock()

	saved := make(map[string]*string, len(overrides))
	for k, v := range overrides {
		if cur, ok := os.LookupEnv(k); ok {
			c := cur
			saved[k] = &c
		} else {
			saved[k] = nil
		}
		os.Setenv(k, v)
	}
	defer func() {
		for k, prev := range saved {
			if prev == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *prev)
			}
		}
	}()

	return fn()
}
