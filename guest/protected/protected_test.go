package protected_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/guest/protected"
)

func TestSetAndGet(t *testing.T) {
	m := protected.New()
	require.NoError(t, m.Set("x", 1.0))

	v, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestProtectedKeyRejectsSetAndDelete(t *testing.T) {
	m := protected.New()
	require.NoError(t, m.Set("x", 1.0))
	m.Protect("x")

	err := m.Set("x", 2.0)
	var keyErr *protected.KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "modify", keyErr.Op)

	err = m.Delete("x")
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "delete", keyErr.Op)

	v, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestBypassIgnoresProtection(t *testing.T) {
	m := protected.New()
	require.NoError(t, m.Set("x", 1.0))
	m.Protect("x")

	m.Bypass().Set("x", 2.0)

	v, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestNewFromDoesNotCopyProtection(t *testing.T) {
	parent := protected.New()
	require.NoError(t, parent.Set("x", 1.0))
	parent.Protect("x")

	child := protected.NewFrom(parent)
	require.NoError(t, child.Set("x", 2.0))

	v, _ := child.Get("x")
	assert.Equal(t, 2.0, v)
	assert.False(t, child.IsProtected("x"))
}

func TestKeysIterDirAgree(t *testing.T) {
	m := protected.New()
	require.NoError(t, m.Set("b", 1.0))
	require.NoError(t, m.Set("a", 2.0))

	want := []string{"a", "b"}
	assert.Equal(t, want, m.Keys())
	assert.Equal(t, want, m.Iter())
	assert.Equal(t, want, m.Dir())
}

func TestStringLooksLikeADict(t *testing.T) {
	m := protected.New()
	require.NoError(t, m.Set("a", 1.0))
	assert.Equal(t, `{"a": 1}`, m.String())
}
