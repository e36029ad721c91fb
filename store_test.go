package hitlflow_test

import (
	"testing"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) hitlflow.Store {
		return hitlflow.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) hitlflow.Store {
		store, err := hitlflow.NewFileStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return store
	})
}
