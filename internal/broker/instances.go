package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const instancesKey = "sectorpulse:instances"

// InstanceRegistry tracks live server processes in Redis.
// Each instance writes a heartbeat into a shared hash; instances silent for
// longer than three heartbeats are considered gone.
type InstanceRegistry struct {
	redis      *goredis.Client
	clock      clockwork.Clock
	instanceID string
	heartbeat  time.Duration
	version    string
}

// InstanceInfo holds metadata about an instance.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

func NewInstanceRegistry(redis *goredis.Client, clock clockwork.Clock, instanceID string, heartbeat time.Duration, version string) *InstanceRegistry {
	return &InstanceRegistry{
		redis:      redis,
		clock:      clock,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
	}
}

// Run registers immediately, then heartbeats on every tick.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Run(ctx context.Context) error {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return nil
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	data, err := json.Marshal(InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	})
	if err != nil {
		return
	}

	if err := r.redis.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := r.redis.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Instance unregister failed", "instance_id", r.instanceID, "error", err)
	}
}

// ActiveInstances returns instances with a heartbeat within three intervals, sorted by id.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	cutoff := r.clock.Now().Add(-3 * r.heartbeat).Unix()
	infos := []InstanceInfo{}
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if info.Timestamp > cutoff {
			infos = append(infos, info)
		}
	}

	slices.SortFunc(infos, func(a, b InstanceInfo) int { return strings.Compare(a.InstanceID, b.InstanceID) })
	return infos, nil
}
