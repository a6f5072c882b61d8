package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	a, err := NewIdentity("salt", "12345678", "ada@example.com")
	require.NoError(t, err)
	b, err := NewIdentity("salt", "12345678", "ada@example.com")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same input yields same identity")
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, a.String())

	other, err := NewIdentity("pepper", "12345678", "ada@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "salt changes the identity")

	parsed, err := ParseIdentity(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestNewIdentity_Invalid(t *testing.T) {
	_, err := NewIdentity("", "12345678")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewIdentity("salt")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewIdentity("salt", "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseIdentity(t *testing.T) {
	_, err := ParseIdentity("0x1234")
	assert.ErrorIs(t, err, ErrValidation)

	id, err := ParseIdentity(" 0xABCDEF0000000000000000000000000000000000000000000000000000000001 ")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", id.String())
	assert.Equal(t, "0xabcdef00...", id.Short())
}
