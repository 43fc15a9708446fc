package util

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicHandlerGuard(t *testing.T) {
	ph := NewPanicHandler(newTestLogger())

	err := ph.Guard("analysis", func() error { panic("nil transcript") })

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "analysis", panicErr.Component)
	assert.Equal(t, "nil transcript", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)

	want := stderrors.New("persist failed")
	assert.Same(t, want, ph.Guard("analysis", func() error { return want }))
}

func TestPanicHandlerSafeGo(t *testing.T) {
	ph := NewPanicHandler(newTestLogger())

	done := make(chan struct{})
	ph.SafeGo("hub", func() {
		defer close(done)
		panic("closed channel")
	})

	<-done
}
