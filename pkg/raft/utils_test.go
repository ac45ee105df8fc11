package raft

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func corruptLastByte(t *testing.T, filePath string) {
	t.Helper()

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	data[len(data)-1] ^= 0xff

	require.NoError(t, os.WriteFile(filePath, data, 0600))
}
