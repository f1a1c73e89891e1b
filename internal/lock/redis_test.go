package lock

import (
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowgrid/internal/testutil"
)

func TestRedisManager(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	n := 0
	runManagerContract(t, func(t *testing.T) (Manager, func(time.Duration)) {
		n++
		prefix := fmt.Sprintf("flowgrid:test:%d:%d:", time.Now().UnixNano(), n)
		return NewRedisManager(client, prefix), time.Sleep
	})
}
