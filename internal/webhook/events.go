// Package webhook is the Webhook Ingestor: it verifies, deduplicates,
// persists, and dispatches inbound forge event notifications, and exposes
// the replay API over the stored payloads. Header parsing leans on
// google/go-github's helpers; the workflow payloads are decoded into local
// structs since only a handful of fields matter to the control plane.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Delivery is one inbound webhook as received from the forge, before any
// validation.
type Delivery struct {
	EventType  string
	DeliveryID string
	Signature  string // hex-encoded sha256 MAC header, may be empty
	Payload    []byte
}

// Result is the outcome reported back to the forge for one delivery.
type Result struct {
	Success      bool   `json:"success"`
	Processed    bool   `json:"processed"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Message      string `json:"message,omitempty"`
	DurationMs   int64  `json:"processing_time_ms,omitempty"`
}

// eventFamilies lists every inbound event type the ingestor dispatches.
// Anything else is acknowledged without processing.
var eventFamilies = map[string]bool{
	"workflow_job":          true,
	"workflow_run":          true,
	"workflow_dispatch":     true,
	"push":                  true,
	"pull_request":          true,
	"create":                true,
	"delete":                true,
	"deployment":            true,
	"deployment_status":     true,
	"release":               true,
	"repository":            true,
	"code_scanning_alert":   true,
	"secret_scanning_alert": true,
	"security_advisory":     true,
	"ping":                  true,
}

// envelope is the subset of any payload needed for the dedup key and the
// persisted event row. Every field is optional; absent ones hash as zero.
type envelope struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID    int64 `json:"id"`
		RunID int64 `json:"run_id"`
	} `json:"workflow_job"`
	WorkflowRun struct {
		ID int64 `json:"id"`
	} `json:"workflow_run"`
	PullRequest struct {
		ID int64 `json:"id"`
	} `json:"pull_request"`
	Issue struct {
		ID int64 `json:"id"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
		Private  bool   `json:"private"`
	} `json:"repository"`
}

// DedupKey hashes the event-identifying tuple: event type,
// delivery id, action, repository, workflow job/run ids, pull request id,
// and issue id.
func DedupKey(eventType, deliveryID string, payload []byte) string {
	var env envelope
	_ = json.Unmarshal(payload, &env)

	runID := env.WorkflowJob.RunID
	if runID == 0 {
		runID = env.WorkflowRun.ID
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d|%d|%d",
		eventType, deliveryID, env.Action, env.Repository.FullName,
		env.WorkflowJob.ID, runID, env.PullRequest.ID, env.Issue.ID)
	return hex.EncodeToString(h.Sum(nil))
}

// workflowJobEvent is the decoded form of a workflow_job payload.
type workflowJobEvent struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID           int64      `json:"id"`
		RunID        int64      `json:"run_id"`
		Name         string     `json:"name"`
		WorkflowName string     `json:"workflow_name"`
		HeadSHA      string     `json:"head_sha"`
		HeadBranch   string     `json:"head_branch"`
		HTMLURL      string     `json:"html_url"`
		Status       string     `json:"status"`
		Conclusion   string     `json:"conclusion"`
		Labels       []string   `json:"labels"`
		RunnerID     int64      `json:"runner_id"`
		RunnerName   string     `json:"runner_name"`
		StartedAt    *time.Time `json:"started_at"`
		CompletedAt  *time.Time `json:"completed_at"`
	} `json:"workflow_job"`
	Repository struct {
		FullName string `json:"full_name"`
		Private  bool   `json:"private"`
	} `json:"repository"`
}

// workflowRunEvent is the decoded form of a workflow_run payload.
type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
		Event      string `json:"event"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}
