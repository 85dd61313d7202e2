package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalError_Is(t *testing.T) {
	cause := fmt.Errorf("nonce too high: %w", ErrBundleResolution)
	f := NewFatal("executor", "nonce moved past bundle", cause)

	assert.True(t, IsFatal(f))
	assert.True(t, errors.Is(f, ErrBundleResolution))
	assert.False(t, errors.Is(f, ErrRelay))
	assert.Contains(t, f.Error(), "executor")

	wrapped := fmt.Errorf("agent stopped: %w", f)
	assert.True(t, IsFatal(wrapped))
	var target *FatalError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "executor", target.Source)
}

func TestIsFatal_PlainError(t *testing.T) {
	assert.False(t, IsFatal(fmt.Errorf("bad word: %w", ErrMalformedInput)))
	assert.False(t, IsFatal(nil))
}

func TestFatalSink_ReportDoesNotBlock(t *testing.T) {
	ch := make(chan *FatalError, 1)
	sink := FatalSink(ch)
	sink.Report(NewFatal("a", "first", nil))
	sink.Report(NewFatal("b", "second", nil))

	got := <-ch
	assert.Equal(t, "a", got.Source)
	assert.Len(t, ch, 0)

	var nilSink FatalSink
	nilSink.Report(NewFatal("c", "ignored", nil))
}
