package migrate

import (
	"bufio"
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/cpu"
)

// UtilizationSignal reports a resource-utilization percentage in [0, 100].
// The background sweep shrinks its batches as utilization rises and pauses
// above the configured ceiling.
type UtilizationSignal interface {
	Utilization(ctx context.Context) (float64, error)
}

// fallbackUtilization is assumed when the signal itself fails, low enough to
// keep the sweep moving but not at full batch size.
const fallbackUtilization = 20.0

// RedisCPUSignal estimates the shard's load from INFO cpu counters. This is
// a coarse estimate; production deployments should prefer a signal fed by
// the monitoring system.
type RedisCPUSignal struct {
	Client *redis.Client
}

// Utilization parses used_cpu_sys and used_cpu_user from INFO cpu.
func (s *RedisCPUSignal) Utilization(ctx context.Context) (float64, error) {
	info, err := s.Client.Info(ctx, "cpu").Result()
	if err != nil {
		return 0, err
	}

	var sys, user float64
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "used_cpu_sys:"); ok {
			sys, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
		if v, ok := strings.CutPrefix(line, "used_cpu_user:"); ok {
			user, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	}

	// The counters are cumulative seconds; fold them into a [0,100) estimate.
	return math.Min(math.Mod(sys+user, 100), 100), nil
}

// HostCPUSignal reports this host's current CPU utilization, for deployments
// where the sweep competes with the serving workload rather than with Redis.
type HostCPUSignal struct{}

// Utilization returns the instantaneous overall CPU percentage.
func (s *HostCPUSignal) Utilization(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// batchSizeFor maps utilization to a batch size: full batches when idle,
// shrinking tiers as load rises, zero above the pause tier.
func batchSizeFor(utilization float64, defaultBatch int) int {
	switch {
	case utilization > 70:
		return 0
	case utilization > 60:
		return 50
	case utilization > 40:
		return 100
	case utilization > 20:
		return 300
	default:
		return defaultBatch
	}
}
