package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePriority(t *testing.T) {
	tests := []struct {
		name    string
		labels  []string
		private bool
		want    int
	}{
		{"ci plus small runner", []string{"ubuntu-latest", "ci"}, false, 30},
		{"production", []string{"production"}, false, 100},
		{"prod alias", []string{"deploy-prod"}, false, 100},
		{"staging", []string{"staging"}, false, 75},
		{"critical", []string{"hotfix"}, false, 50},
		{"band counted once", []string{"ci", "cd", "build", "test"}, false, 20},
		{"large runner penalty", []string{"xlarge"}, false, -10},
		{"gpu counts as large", []string{"gpu"}, false, -10},
		{"private repository bonus", nil, true, 5},
		{"stacked bands", []string{"production", "ci", "ubuntu-latest"}, true, 135},
		{"case insensitive", []string{"PRODUCTION"}, false, 100},
		{"no labels public", nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputePriority(tt.labels, tt.private))
		})
	}
}
