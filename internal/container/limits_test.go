package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512b", 512, false},
		{"1k", 1024, false},
		{"256m", 256 << 20, false},
		{"2g", 2 << 30, false},
		{"2G", 2 << 30, false},
		{"1024K", 1 << 20, false},
		{"0b", 0, false},

		{"", 0, true},
		{"2", 0, true},
		{"g", 0, true},
		{"2gb", 0, true},
		{"2t", 0, true},
		{"-1g", 0, true},
		{"1.5g", 0, true},
		{" 2g", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	// parse(render(n)) == n across unit boundaries and odd values.
	values := []int64{
		0, 1, 511, 512, 1023, 1024, 1025,
		1 << 20, (1 << 20) + 1, 3 << 20,
		1 << 30, 2 << 30, (2 << 30) + 7,
		1<<53 - 1,
	}
	for _, n := range values {
		rendered := FormatMemory(n)
		parsed, err := ParseMemoryLimit(rendered)
		require.NoError(t, err, "render %d -> %q", n, rendered)
		assert.Equal(t, n, parsed, "round trip of %d via %q", n, rendered)
	}
}

func TestContainerStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"creating to created", StateCreating, StateCreated, true},
		{"created to starting", StateCreated, StateStarting, true},
		{"starting to running", StateStarting, StateRunning, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"stopping to stopped", StateStopping, StateStopped, true},
		{"stopped to removing", StateStopped, StateRemoving, true},
		{"removing to removed", StateRemoving, StateRemoved, true},
		{"running skips to stopped", StateRunning, StateStopped, true},
		{"any to error", StateRunning, StateError, true},
		{"self transition", StateRunning, StateRunning, true},

		{"stopped back to running", StateStopped, StateRunning, false},
		{"removed to anything", StateRemoved, StateRemoving, false},
		{"error is a sink", StateError, StateRunning, false},
		{"error stays error only", StateError, StateError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to))
		})
	}
}
