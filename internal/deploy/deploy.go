// Package deploy is the client for the hosting provider that builds and
// serves a product from a source tree.
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/provider"
)

// Request describes one deployment.
type Request struct {
	ProjectName    string            `json:"project_name"`
	SourceLocation string            `json:"source_location"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// Deployment is the provider's answer to a deploy call.
type Deployment struct {
	URL                  string `json:"url"`
	DeploymentID         string `json:"deployment_id"`
	ProviderProjectID    string `json:"provider_project_id"`
	PreviousDeploymentID string `json:"previous_deployment_id,omitempty"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// Client talks to the deployment provider over HTTP.
type Client struct {
	api *provider.Client
}

// NewClient builds a Client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{api: provider.New(provider.Options{
		Name:       "deploy",
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		Timeout:    cfg.Timeout,
		HTTPClient: httpClient,
		Logger:     logger,
	})}
}

// Deploy builds and publishes req.SourceLocation.
func (c *Client) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	if req.ProjectName == "" || req.SourceLocation == "" {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "deploy requires a project name and source location")
	}
	var d Deployment
	if err := c.api.Do(ctx, http.MethodPost, "/v1/deployments", req, &d); err != nil {
		return nil, err
	}
	if d.URL == "" || d.DeploymentID == "" {
		return nil, faults.Transient(faults.CodeProviderRejected, nil, "deploy response missing url or deployment id")
	}
	return &d, nil
}

// AddDomain attaches domain to the provider project.
func (c *Client) AddDomain(ctx context.Context, providerProjectID, domain string) error {
	path := fmt.Sprintf("/v1/projects/%s/domains", url.PathEscape(providerProjectID))
	return c.api.Do(ctx, http.MethodPost, path, map[string]string{"domain": domain}, nil)
}

// Rollback makes deploymentID the live deployment again.
func (c *Client) Rollback(ctx context.Context, providerProjectID, deploymentID string) error {
	path := fmt.Sprintf("/v1/projects/%s/rollback", url.PathEscape(providerProjectID))
	return c.api.Do(ctx, http.MethodPost, path, map[string]string{"deployment_id": deploymentID}, nil)
}

// Ping checks the provider is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}
