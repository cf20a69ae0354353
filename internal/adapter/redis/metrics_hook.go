package redis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/maddy1092/ottu-ws/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const backendName = "redis"

// MetricsHook records every Redis command and pipeline in StoreMetrics.
type MetricsHook struct {
	metrics *metrics.StoreMetrics
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(m *metrics.StoreMetrics) *MetricsHook {
	return &MetricsHook{metrics: m}
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		h.metrics.Observe(backendName, "dial", time.Since(start).Seconds(), err)
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)

		observed := err
		if errors.Is(err, goredis.Nil) {
			observed = nil
		}
		h.metrics.Observe(backendName, cmd.Name(), time.Since(start).Seconds(), observed)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.metrics.Observe(backendName, "pipeline", time.Since(start).Seconds(), err)
		return err
	}
}
