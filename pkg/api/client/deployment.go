package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TopicPrefix namespaces per-project log topics on the streaming service.
const TopicPrefix = "logs:"

// DeploymentRequest asks the control-plane to build and publish a repository.
type DeploymentRequest struct {
	GitURL string
	// Slug reuses an existing project when set; empty lets the control-plane pick one.
	Slug string
	// RequestID correlates the trigger with control-plane logs; generated when empty.
	RequestID string
}

// DeploymentResult identifies the project created by a trigger request.
type DeploymentResult struct {
	ProjectSlug string `json:"projectSlug"`
	URL         string `json:"url"`
}

// Topic returns the log subscription topic for the deployed project.
func (r DeploymentResult) Topic() string {
	return Topic(r.ProjectSlug)
}

// Topic derives the log subscription topic for a project slug.
func Topic(projectSlug string) string {
	return TopicPrefix + projectSlug
}

type deploymentPayload struct {
	GitURL string `json:"gitURL"`
	Slug   string `json:"slug,omitempty"`
}

type deploymentEnvelope struct {
	Data *DeploymentResult `json:"data"`
}

// TriggerDeployment requests a new deployment. Transport and status failures
// are returned as *NetworkError; a response without a result envelope yields
// ErrEmptyResult. The request is never retried.
func (c *Client) TriggerDeployment(ctx context.Context, req DeploymentRequest) (DeploymentResult, error) {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" && c != nil {
		requestID = c.requestID()
	}
	header := http.Header{}
	header.Set(RequestIDHeader, requestID)

	body := deploymentPayload{GitURL: req.GitURL, Slug: strings.TrimSpace(req.Slug)}
	var envelope deploymentEnvelope
	if err := c.do(ctx, http.MethodPost, "/project", body, header, &envelope); err != nil {
		if errors.Is(err, errDecodeResponse) {
			return DeploymentResult{}, fmt.Errorf("%w: %w", ErrEmptyResult, err)
		}
		nerr := &NetworkError{Op: "trigger deployment", RequestID: requestID, Err: err}
		var apiErr APIError
		if errors.As(err, &apiErr) {
			nerr.Status = apiErr.Status
		}
		return DeploymentResult{}, nerr
	}
	if envelope.Data == nil || strings.TrimSpace(envelope.Data.ProjectSlug) == "" {
		return DeploymentResult{}, ErrEmptyResult
	}
	return *envelope.Data, nil
}
