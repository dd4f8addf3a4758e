package docker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSimpleClient(t *testing.T) {
	c := NewSimpleClient()
	require.NotNil(t, c)
}

// TestSimpleClient_ContextCancelled verifies that a cancelled context makes
// CLI-backed calls return an error immediately instead of hanging.
func TestSimpleClient_ContextCancelled(t *testing.T) {
	c := NewSimpleClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.PullImage(ctx, "nonexistent-image:latest")
	assert.Error(t, err)

	_, err = c.CreateAndStartContainer(ctx, "test-ctr", "nginx:latest", ContainerOptions{})
	assert.Error(t, err)
}

func TestMockClient_CreateAndList(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	id, err := c.CreateAndStartContainer(ctx, "gpusched-model-a", "vllm/vllm-openai:latest", ContainerOptions{
		Labels: map[string]string{ManagedLabel: "true", "gpusched.model": "model-a"},
		GPU:    true,
	})
	require.NoError(t, err)

	status, err := c.GetContainerStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	ids, err := c.ListContainers(ctx, map[string]string{"gpusched.model": "model-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	// Unmanaged containers never show up in a label listing.
	_, err = c.CreateAndStartContainer(ctx, "external", "nginx:latest", ContainerOptions{})
	require.NoError(t, err)
	ids, err = c.ListContainers(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestMockClient_StopIsIdempotent(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	id, err := c.CreateAndStartContainer(ctx, "gpusched-model-b", "vllm/vllm-openai:latest", ContainerOptions{
		Labels: map[string]string{ManagedLabel: "true"},
	})
	require.NoError(t, err)

	require.NoError(t, c.StopContainer(ctx, id, 10))
	require.NoError(t, c.StopContainer(ctx, id, 10))

	_, err = c.GetContainerStatus(ctx, id)
	assert.Error(t, err)
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4g", 4 * 1024 * 1024 * 1024},
		{"512m", 512 * 1024 * 1024},
		{"1024k", 1024 * 1024},
		{"100b", 100},
		{"2048", 2048},
	}
	for _, tt := range tests {
		got, err := parseMemory(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseMemory("")
	assert.Error(t, err)
	_, err = parseMemory("abc")
	assert.Error(t, err)
}
