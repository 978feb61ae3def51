package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AUTHCORE_TEST_MODE") == "" {
			_ = os.Setenv("AUTHCORE_TEST_MODE", "1")
		}
	})
}
