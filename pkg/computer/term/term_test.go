package term

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderStripsControlSequences(t *testing.T) {
	e := New(20, 5)
	_, err := e.Write([]byte("\x1b[31mhello\x1b[0m world"))
	require.NoError(t, err)

	out := e.Render()
	assert.Equal(t, "hello world", out)
	assert.NotContains(t, out, "\x1b")
}

func TestRenderAppliesCursorMovement(t *testing.T) {
	e := New(20, 5)
	// Carriage return overwrites the line in place.
	_, err := e.Write([]byte("aaaa\rbb"))
	require.NoError(t, err)

	assert.Equal(t, "bbaa", e.Render())
}

func TestRenderTrimsTrailingBlankLines(t *testing.T) {
	e := New(10, 4)
	_, err := e.Write([]byte("top\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "top", e.Render())
}

func TestNewDefaultsSize(t *testing.T) {
	e := New(0, -3)
	_, err := e.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", e.Render())
}

func TestResize(t *testing.T) {
	e := New(10, 2)
	e.Resize(40, 10)
	_, err := e.Write([]byte("a longer line than ten"))
	require.NoError(t, err)

	assert.Equal(t, "a longer line than ten", e.Render())
}
