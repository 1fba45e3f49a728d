package health

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("mbp", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StatusHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("broker", nil).IsHealthy())

	err := fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed, password=hunter2, key file /etc/mbp/id_rsa")
	s := FromError("broker", err)
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "hunter2")
	assert.NotContains(t, s.Message, "/etc/mbp")
	assert.Contains(t, s.Message, "[URL]")
}

func TestMonitor_Run(t *testing.T) {
	m := NewMonitor()
	failing := true
	m.Register("broker", func(context.Context) error { return nil })
	m.Register("logs", func(context.Context) error {
		if failing {
			return fmt.Errorf("store unavailable")
		}
		return nil
	})
	m.UpdateHealthy("engine", "started")

	s := m.Run(context.Background(), "mbp")
	assert.True(t, s.IsUnhealthy())
	require.Len(t, s.SubStatuses, 3)
	assert.Equal(t, []string{"broker", "engine", "logs"},
		[]string{s.SubStatuses[0].Component, s.SubStatuses[1].Component, s.SubStatuses[2].Component})

	failing = false
	assert.True(t, m.Run(context.Background(), "mbp").IsHealthy())

	m.Remove("logs")
	_, ok := m.Get("logs")
	assert.False(t, ok)
	assert.Len(t, m.Run(context.Background(), "mbp").SubStatuses, 2)
}

func TestMonitor_CheckTimeout(t *testing.T) {
	m := NewMonitor()
	m.timeout = 0
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := m.Run(context.Background(), "mbp")
	assert.True(t, s.IsUnhealthy())

	got, ok := m.Get("slow")
	require.True(t, ok)
	assert.Equal(t, "context deadline exceeded", got.Message)
}
