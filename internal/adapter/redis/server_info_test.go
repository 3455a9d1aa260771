package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInfo(t *testing.T) {
	raw := "# Server\r\nredis_version:7.2.4\r\nuptime_in_seconds:3600\r\n\r\n" +
		"# Clients\r\nconnected_clients:12\r\nblocked_clients:0\r\n" +
		"# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"

	stats := parseInfo(raw)
	assert.Equal(t, ServerStats{
		ConnectedClients: 12,
		UsedMemoryHuman:  "1.00M",
		UptimeSeconds:    3600,
		Version:          "7.2.4",
	}, stats)
}

func TestParseInfo_PlainNewlinesAndGarbage(t *testing.T) {
	stats := parseInfo("# Clients\nconnected_clients:3\nnot a field\nused_memory_human:\n")
	assert.Equal(t, 3, stats.ConnectedClients)
	assert.Empty(t, stats.UsedMemoryHuman)
	assert.Zero(t, stats.UptimeSeconds)
}

func TestServerInfo_StatsIntegration(t *testing.T) {
	client := setupTestClient(t)

	stats, err := NewServerInfo(client).Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.ConnectedClients, 1)
	assert.NotEmpty(t, stats.Version)
	assert.NotEmpty(t, stats.UsedMemoryHuman)
}
