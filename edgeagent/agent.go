// Package edgeagent pushes install commands to edge servers. The agent
// protocol is idempotent by deployment ID: redelivering the same command is
// safe and the agent reports status back through the orchestrator's
// deployment callback endpoints.
package edgeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/edgevision/model-orchestrator/config"
)

// Agent is the contract with the edge install agent.
type Agent interface {
	Install(ctx context.Context, target *config.EdgeServer, deployment *config.Deployment, artifactURL string) error
}

// InstallCommand is the payload delivered to an edge agent.
type InstallCommand struct {
	DeploymentID   string `json:"deployment_id"`
	ModelVersionID string `json:"model_version_id"`
	ArtifactURL    string `json:"artifact_url"`
}

// HTTPAgent delivers install commands over the edge server's agent endpoint.
type HTTPAgent struct {
	client *http.Client
}

// NewHTTPAgent creates an HTTP edge agent client.
func NewHTTPAgent() *HTTPAgent {
	return &HTTPAgent{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Install sends the install command to the target's agent. Any delivery
// failure is transient from the coordinator's point of view: the edge may be
// briefly unreachable and the command can be redelivered.
func (a *HTTPAgent) Install(ctx context.Context, target *config.EdgeServer, deployment *config.Deployment, artifactURL string) error {
	if target.AgentURL == "" {
		return fmt.Errorf("edge server %s has no agent URL", target.EdgeID)
	}

	cmd := InstallCommand{
		DeploymentID:   deployment.ID,
		ModelVersionID: deployment.ModelVersionID,
		ArtifactURL:    artifactURL,
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal install command: %w", err)
	}

	url := target.AgentURL + "/install"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build install request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("edge agent %s unreachable: %w", target.EdgeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("edge agent %s rejected install command: status %d", target.EdgeID, resp.StatusCode)
	}
	return nil
}
