package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDefaults(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&Config{Level: "info", Format: "xml"})
	require.Error(t, err)

	_, err = New(&Config{Level: "loud", Format: "json"})
	require.Error(t, err)
}

func TestTestLoggerObserves(t *testing.T) {
	tl := NewTestLogger()
	tl.Info("applied fix", zap.String("signature", "abc123"))

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "applied fix", entries[0].Message)
	assert.Equal(t, 1, tl.FilterMessage("applied fix").Len())
}
