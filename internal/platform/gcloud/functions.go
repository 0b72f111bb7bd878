package gcloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Function is a deployed serverless function.
type Function struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	ServiceConfig struct {
		URI string `json:"uri"`
	} `json:"serviceConfig"`
	Labels map[string]string `json:"labels,omitempty"`
}

// URL returns the function's invocation endpoint.
func (f *Function) URL() string {
	return f.ServiceConfig.URI
}

// Ready reports whether the function is serving.
func (f *Function) Ready() bool {
	return f.State == "ACTIVE"
}

// FunctionSpec describes the desired shape of a function deployment.
type FunctionSpec struct {
	Runtime        string
	EntryPoint     string
	SourceBucket   string
	SourceObject   string
	ServiceAccount string
	EnvVars        map[string]string
	Labels         map[string]string
}

// UploadTarget is where a source archive should be placed and how the
// resulting object is referenced from the deployment.
type UploadTarget struct {
	UploadURL string `json:"uploadUrl"`
	Source    struct {
		Bucket string `json:"bucket"`
		Object string `json:"object"`
	} `json:"storageSource"`
}

type storageSource struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

type functionSource struct {
	StorageSource storageSource `json:"storageSource"`
}

type functionBuildConfig struct {
	Runtime    string         `json:"runtime"`
	EntryPoint string         `json:"entryPoint"`
	Source     functionSource `json:"source"`
}

type functionServiceConfig struct {
	ServiceAccountEmail  string            `json:"serviceAccountEmail,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
}

type functionBody struct {
	BuildConfig   functionBuildConfig   `json:"buildConfig"`
	ServiceConfig functionServiceConfig `json:"serviceConfig"`
	Labels        map[string]string     `json:"labels,omitempty"`
}

func (s FunctionSpec) body() functionBody {
	return functionBody{
		BuildConfig: functionBuildConfig{
			Runtime:    s.Runtime,
			EntryPoint: s.EntryPoint,
			Source: functionSource{
				StorageSource: storageSource{Bucket: s.SourceBucket, Object: s.SourceObject},
			},
		},
		ServiceConfig: functionServiceConfig{
			ServiceAccountEmail:  s.ServiceAccount,
			EnvironmentVariables: s.EnvVars,
		},
		Labels: s.Labels,
	}
}

// GetFunction reads a function by name.
func (c *Client) GetFunction(ctx context.Context, project, region, name string) (*Function, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/%s/functions/%s", project, region, name)
	var fn Function
	if err := c.do(ctx, http.MethodGet, c.url(functionsHost, path), nil, &fn); err != nil {
		return nil, fmt.Errorf("get function %s: %w", name, err)
	}
	return &fn, nil
}

// GenerateUploadURL requests a signed URL for uploading a source archive.
func (c *Client) GenerateUploadURL(ctx context.Context, project, region string) (*UploadTarget, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/%s/functions:generateUploadUrl", project, region)
	var target UploadTarget
	if err := c.do(ctx, http.MethodPost, c.url(functionsHost, path), struct{}{}, &target); err != nil {
		return nil, fmt.Errorf("generate upload url: %w", err)
	}
	return &target, nil
}

// UploadArchive PUTs the archive to a signed upload URL. The URL
// embeds its own authorization, so no bearer token is attached.
func (c *Client) UploadArchive(ctx context.Context, uploadURL string, archive io.Reader, size int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, archive)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/zip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: "archive upload failed: " + string(body)}
	}
	return nil
}

// CreateFunction starts deployment of a new function and returns the
// operation tracking it.
func (c *Client) CreateFunction(ctx context.Context, project, region, name string, spec FunctionSpec) (*Operation, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/%s/functions?functionId=%s", project, region, name)
	var op Operation
	if err := c.do(ctx, http.MethodPost, c.url(functionsHost, path), spec.body(), &op); err != nil {
		return nil, fmt.Errorf("create function %s: %w", name, err)
	}
	return &op, nil
}

// UpdateFunction redeploys an existing function in place. Name is the
// full resource name.
func (c *Client) UpdateFunction(ctx context.Context, name string, spec FunctionSpec) (*Operation, error) {
	path := "/v2/" + name
	var op Operation
	if err := c.do(ctx, http.MethodPatch, c.url(functionsHost, path), spec.body(), &op); err != nil {
		return nil, fmt.Errorf("update function %s: %w", name, err)
	}
	return &op, nil
}

// FunctionOperation reads a function deployment operation.
func (c *Client) FunctionOperation(ctx context.Context, name string) (*Operation, error) {
	return c.getOperation(ctx, functionsHost, "v2", name)
}
