package safego

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitOrFail(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "background task did not finish")
	}
}

func TestGoRunsTask(t *testing.T) {
	done := make(chan struct{})
	Go("test-task", func() { close(done) })
	waitOrFail(t, done)
}

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go("panicking-task", func() {
		defer close(done)
		panic("boom")
	})
	waitOrFail(t, done)
}
