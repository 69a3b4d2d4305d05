package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdthost/nxdt-host/session"
)

func TestParseClientVersion(t *testing.T) {
	block := make([]byte, 16)
	block[0], block[1], block[2] = 1, 2, 3
	block[3] = 0x12 // ABI major 1, minor 2
	copy(block[4:12], []byte("abcdef12"))

	v, err := session.ParseClientVersion(block)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v.Major)
	assert.Equal(t, uint8(2), v.Minor)
	assert.Equal(t, uint8(3), v.Micro)
	assert.Equal(t, uint8(1), v.ABIMajor)
	assert.Equal(t, uint8(2), v.ABIMinor)
	assert.Equal(t, "abcdef12", v.GitCommit)
	assert.True(t, v.SupportsABI())
}

func TestParseClientVersionTrimsCommit(t *testing.T) {
	block := make([]byte, 16)
	copy(block[4:12], []byte("ab\x00\x00\x00\x00\x00\x00"))

	v, err := session.ParseClientVersion(block)
	require.NoError(t, err)
	assert.Equal(t, "ab", v.GitCommit)
}

func TestParseClientVersionRejectsUnsupportedAbi(t *testing.T) {
	block := make([]byte, 16)
	block[3] = 0x13 // ABI minor 3, unsupported

	v, err := session.ParseClientVersion(block)
	require.NoError(t, err)
	assert.False(t, v.SupportsABI())
}

func TestParseClientVersionShortBlock(t *testing.T) {
	_, err := session.ParseClientVersion(make([]byte, 4))
	assert.ErrorIs(t, err, session.ErrBlockTooShort)
}
