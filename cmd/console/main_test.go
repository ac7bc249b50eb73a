package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIP(t *testing.T) {
	ip := localIP("127.0.0.1:9")
	require.NotEmpty(t, ip)
	assert.NotEqual(t, "console", ip)
}
