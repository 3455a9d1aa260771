package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ServerStats is the subset of INFO the health reporter looks at.
type ServerStats struct {
	ConnectedClients int    `json:"connected_clients"`
	UsedMemoryHuman  string `json:"used_memory_human"`
	UptimeSeconds    int64  `json:"uptime_in_seconds"`
	Version          string `json:"redis_version"`
}

// ServerInfo reads Redis server statistics.
type ServerInfo struct {
	rdb goredis.Cmdable
}

func NewServerInfo(rdb goredis.Cmdable) *ServerInfo {
	return &ServerInfo{rdb: rdb}
}

func (s *ServerInfo) Stats(ctx context.Context) (ServerStats, error) {
	raw, err := s.rdb.Info(ctx).Result()
	if err != nil {
		return ServerStats{}, fmt.Errorf("failed to read redis info: %w", err)
	}
	return parseInfo(raw), nil
}

func parseInfo(raw string) ServerStats {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[k] = v
	}

	var stats ServerStats
	stats.ConnectedClients, _ = strconv.Atoi(fields["connected_clients"])
	stats.UptimeSeconds, _ = strconv.ParseInt(fields["uptime_in_seconds"], 10, 64)
	stats.UsedMemoryHuman = fields["used_memory_human"]
	stats.Version = fields["redis_version"]
	return stats
}
