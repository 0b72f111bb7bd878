package gcloud

import (
	"context"
	"fmt"
	"net/http"
)

// WorkloadPool is a workload identity pool.
type WorkloadPool struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	DisplayName string `json:"displayName"`
	Disabled    bool   `json:"disabled"`
}

// WorkloadProvider is an identity provider inside a pool.
type WorkloadProvider struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// ProviderSpec describes an OIDC provider: which issuer to trust and
// how to map its token claims onto platform attributes.
type ProviderSpec struct {
	IssuerURI        string
	AllowedAudiences []string
	AttributeMapping map[string]string
}

// GetWorkloadPool reads a workload identity pool.
func (c *Client) GetWorkloadPool(ctx context.Context, project, poolID string) (*WorkloadPool, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/global/workloadIdentityPools/%s", project, poolID)
	var pool WorkloadPool
	if err := c.do(ctx, http.MethodGet, c.url(iamHost, path), nil, &pool); err != nil {
		return nil, fmt.Errorf("get workload pool %s: %w", poolID, err)
	}
	return &pool, nil
}

// CreateWorkloadPool creates a workload identity pool.
func (c *Client) CreateWorkloadPool(ctx context.Context, project, poolID, displayName string) (*Operation, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/global/workloadIdentityPools?workloadIdentityPoolId=%s", project, poolID)
	body := struct {
		DisplayName string `json:"displayName"`
	}{DisplayName: displayName}

	var op Operation
	if err := c.do(ctx, http.MethodPost, c.url(iamHost, path), body, &op); err != nil {
		return nil, fmt.Errorf("create workload pool %s: %w", poolID, err)
	}
	return &op, nil
}

// GetWorkloadProvider reads a provider from a pool.
func (c *Client) GetWorkloadProvider(ctx context.Context, project, poolID, providerID string) (*WorkloadProvider, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/global/workloadIdentityPools/%s/providers/%s", project, poolID, providerID)
	var provider WorkloadProvider
	if err := c.do(ctx, http.MethodGet, c.url(iamHost, path), nil, &provider); err != nil {
		return nil, fmt.Errorf("get workload provider %s: %w", providerID, err)
	}
	return &provider, nil
}

// CreateWorkloadProvider adds an OIDC provider to a pool.
func (c *Client) CreateWorkloadProvider(ctx context.Context, project, poolID, providerID string, spec ProviderSpec) (*Operation, error) {
	path := fmt.Sprintf("/v1/projects/%s/locations/global/workloadIdentityPools/%s/providers?workloadIdentityPoolProviderId=%s", project, poolID, providerID)
	body := struct {
		OIDC struct {
			IssuerURI        string   `json:"issuerUri"`
			AllowedAudiences []string `json:"allowedAudiences,omitempty"`
		} `json:"oidc"`
		AttributeMapping map[string]string `json:"attributeMapping,omitempty"`
	}{AttributeMapping: spec.AttributeMapping}
	body.OIDC.IssuerURI = spec.IssuerURI
	body.OIDC.AllowedAudiences = spec.AllowedAudiences

	var op Operation
	if err := c.do(ctx, http.MethodPost, c.url(iamHost, path), body, &op); err != nil {
		return nil, fmt.Errorf("create workload provider %s: %w", providerID, err)
	}
	return &op, nil
}
