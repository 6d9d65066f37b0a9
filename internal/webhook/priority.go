package webhook

import "strings"

// priorityBands maps label groups to their additive priority weight.
// Higher total priority dequeues first.
var priorityBands = []struct {
	labels map[string]bool
	weight int
}{
	{map[string]bool{"production": true, "prod": true, "deploy-prod": true}, 100},
	{map[string]bool{"staging": true, "stage": true, "deploy-staging": true}, 75},
	{map[string]bool{"critical": true, "urgent": true, "hotfix": true}, 50},
	{map[string]bool{"ci": true, "cd": true, "build": true, "test": true}, 20},
}

// privateRepoBonus is added when the repository is private.
const privateRepoBonus = 5

// ComputePriority derives a job's queue priority from its labels and
// repository visibility. Each band contributes at most once no matter how
// many of its labels are present; small-runner labels add, large-runner
// labels subtract.
func ComputePriority(labels []string, privateRepo bool) int {
	present := make(map[string]bool, len(labels))
	for _, l := range labels {
		present[strings.ToLower(l)] = true
	}

	priority := 0
	for _, band := range priorityBands {
		for l := range present {
			if band.labels[l] {
				priority += band.weight
				break
			}
		}
	}

	for l := range present {
		if isSmallRunnerLabel(l) {
			priority += 10
			break
		}
	}
	for l := range present {
		if isLargeRunnerLabel(l) {
			priority -= 10
			break
		}
	}

	if privateRepo {
		priority += privateRepoBonus
	}
	return priority
}

// isSmallRunnerLabel matches the standard hosted-runner label shapes and
// explicit small sizes.
func isSmallRunnerLabel(label string) bool {
	switch label {
	case "ubuntu-latest", "ubuntu-22.04", "ubuntu-24.04", "small", "self-hosted-small":
		return true
	}
	return false
}

// isLargeRunnerLabel matches the labels that ask for oversized runners,
// which should yield to everything else when the queue is contended.
func isLargeRunnerLabel(label string) bool {
	if strings.HasSuffix(label, "-large") || strings.HasSuffix(label, "-xlarge") {
		return true
	}
	switch label {
	case "large", "xlarge", "gpu":
		return true
	}
	return false
}
