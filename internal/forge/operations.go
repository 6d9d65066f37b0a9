package forge

import (
	"context"
	"fmt"

	"github.com/google/go-github/v32/github"
)

// RegistrationToken is the ephemeral token a newly created runner
// container uses to register itself with the forge.
type RegistrationToken struct {
	Token     string
	ExpiresAt string
}

// GenerateRunnerToken requests a new repository-scoped runner
// registration token. Not cached: tokens are single-use and short-lived.
func (c *Client) GenerateRunnerToken(ctx context.Context, repo string) (RegistrationToken, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return RegistrationToken{}, err
	}

	var out RegistrationToken
	err = c.do(ctx, PriorityCritical, func() (*github.Response, error) {
		tok, resp, callErr := c.gh.Actions.CreateRegistrationToken(ctx, owner, name)
		if callErr == nil && tok != nil {
			out = RegistrationToken{Token: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().String()}
		}
		return resp, callErr
	})
	return out, err
}

// RunnerInfo is the subset of a forge-registered runner the orchestrator
// cares about.
type RunnerInfo struct {
	ID     int64
	Name   string
	Status string
}

// ListRunners returns every runner registered against repo. Cached
// dynamic (1-5 minute) TTL tagged by repo since runner rosters change on
// registration/removal, not continuously.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]RunnerInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	cacheKey := "runners:" + repo
	if cached, ok := c.cache.GetDynamic(cacheKey); ok {
		return cached.([]RunnerInfo), nil
	}

	var out []RunnerInfo
	err = c.do(ctx, PriorityNormal, func() (*github.Response, error) {
		runners, resp, callErr := c.gh.Actions.ListRunners(ctx, owner, name, nil)
		if callErr == nil && runners != nil {
			out = make([]RunnerInfo, 0, len(runners.Runners))
			for _, r := range runners.Runners {
				out = append(out, RunnerInfo{
					ID: r.GetID(), Name: r.GetName(), Status: r.GetStatus(),
				})
			}
		}
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}

	c.cache.SetDynamic(cacheKey, out, []string{"repo:" + repo, "type:runners"})
	return out, nil
}

// RemoveRunner deregisters a runner by its forge-assigned ID. Removing an
// already-removed runner returns the forge's 404 as an error wrapping the
// *github.ErrorResponse.
func (c *Client) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	err = c.do(ctx, PriorityHigh, func() (*github.Response, error) {
		return c.gh.Actions.RemoveRunner(ctx, owner, name, runnerID)
	})
	if err == nil {
		c.cache.Invalidate("repo:" + repo, "type:runners")
	}
	return err
}

// WorkflowRunInfo is the subset of a workflow run the Router and
// Orchestrator need.
type WorkflowRunInfo struct {
	ID         int64
	Status     string
	Conclusion string
}

// GetWorkflowRuns lists recent workflow runs for repo. Cached at the
// dynamic TTL, tagged by repo.
func (c *Client) GetWorkflowRuns(ctx context.Context, repo string) ([]WorkflowRunInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	cacheKey := "runs:" + repo
	if cached, ok := c.cache.GetDynamic(cacheKey); ok {
		return cached.([]WorkflowRunInfo), nil
	}

	var out []WorkflowRunInfo
	err = c.do(ctx, PriorityNormal, func() (*github.Response, error) {
		runs, resp, callErr := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, nil)
		if callErr == nil && runs != nil {
			out = make([]WorkflowRunInfo, 0, len(runs.WorkflowRuns))
			for _, r := range runs.WorkflowRuns {
				out = append(out, WorkflowRunInfo{ID: r.GetID(), Status: r.GetStatus(), Conclusion: r.GetConclusion()})
			}
		}
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetDynamic(cacheKey, out, []string{"repo:" + repo, "type:runs"})
	return out, nil
}

// JobInfo is the subset of a workflow job the Router needs to make
// dispatch decisions.
type JobInfo struct {
	ID     int64
	Name   string
	Status string
}

// GetWorkflowJobs lists the jobs belonging to a workflow run, realtime
// cached (1 minute) since job status is the most volatile resource class.
func (c *Client) GetWorkflowJobs(ctx context.Context, repo string, runID int64) ([]JobInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("jobs:%s:%d", repo, runID)
	if cached, ok := c.cache.GetRealtime(cacheKey); ok {
		return cached.([]JobInfo), nil
	}

	var out []JobInfo
	err = c.do(ctx, PriorityHigh, func() (*github.Response, error) {
		jobs, resp, callErr := c.gh.Actions.ListWorkflowJobs(ctx, owner, name, runID, nil)
		if callErr == nil && jobs != nil {
			out = make([]JobInfo, 0, len(jobs.Jobs))
			for _, j := range jobs.Jobs {
				out = append(out, JobInfo{ID: j.GetID(), Name: j.GetName(), Status: j.GetStatus()})
			}
		}
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}
	c.cache.SetRealtime(cacheKey, out, []string{fmt.Sprintf("repo:%s", repo), "type:jobs"})
	return out, nil
}

// RateLimitStatus reports the client's current understanding of its
// rate-limit budget, as last observed from a response header.
func (c *Client) RateLimitStatus() RateLimitState {
	return c.limiter.State()
}

func splitRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			return repo[:i], repo[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("forge: malformed repository %q, want owner/name", repo)
}
