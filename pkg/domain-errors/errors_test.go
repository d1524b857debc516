package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	t.Run("HasCode walks wrapped coded errors", func(t *testing.T) {
		inner := New(CodeEntityNotFound, "user missing")
		outer := Wrap(inner, CodeInternal, "apply failed")
		wrapped := fmt.Errorf("process: %w", outer)

		assert.True(t, HasCode(wrapped, CodeInternal))
		assert.True(t, HasCode(wrapped, CodeEntityNotFound))
		assert.False(t, HasCode(wrapped, CodeUnknownSchema))
	})

	t.Run("Is only checks the outermost coded error", func(t *testing.T) {
		err := Wrap(New(CodeEntityNotFound, "x"), CodeInternal, "y")
		assert.True(t, Is(err, CodeInternal))
		assert.False(t, Is(err, CodeEntityNotFound))
	})

	t.Run("CodeOf defaults to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
		assert.Equal(t, CodeMappingConflict, CodeOf(New(CodeMappingConflict, "taken")))
	})

	t.Run("Unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(cause, CodeInternal, "write failed")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "internal_error: write failed: disk full", err.Error())
	})
}

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("apply: %w", New(CodeEntityNotFound, "author missing"))
	assert.ErrorIs(t, err, New(CodeEntityNotFound, ""))
	assert.NotErrorIs(t, err, New(CodeUnknownSchema, ""))
}
