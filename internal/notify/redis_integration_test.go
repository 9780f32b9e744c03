//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisSink_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	sink := NewRedisSink(client, "test:notifications")
	n := New(KindRentalBuyout, "CAP-9")
	n.RentalID = 9
	n.OrderID = 3
	if err := sink.Send(ctx, n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw, err := client.RPop(ctx, "test:notifications").Result()
	if err != nil {
		t.Fatalf("RPop: %v", err)
	}
	var got Notification
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != n.ID || got.Kind != KindRentalBuyout || got.RentalID != 9 || got.OrderID != 3 {
		t.Errorf("round trip = %+v, want %+v", got, n)
	}
}
