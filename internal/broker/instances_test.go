package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceRegistry_HeartbeatAndUnregister(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClock()
	reg := NewInstanceRegistry(rdb, clock, "node-a", 10*time.Second, "v1.2.3")

	stale, err := json.Marshal(InstanceInfo{InstanceID: "node-old", Timestamp: clock.Now().Add(-time.Hour).Unix()})
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(context.Background(), instancesKey, "node-old", stale).Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	active, err := reg.ActiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "node-a", active[0].InstanceID)
	assert.Equal(t, "v1.2.3", active[0].Version)

	cancel()
	<-done

	ids, err := rdb.HKeys(context.Background(), instancesKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-old"}, ids)
}
