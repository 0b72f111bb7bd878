package gcloud

import (
	"context"
	"fmt"
	"net/http"
	"slices"
)

// Policy is a project IAM policy.
type Policy struct {
	Bindings []Binding `json:"bindings"`
	Etag     string    `json:"etag,omitempty"`
}

// Binding grants a role to a set of members.
type Binding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// GetProjectPolicy reads the project's IAM policy.
func (c *Client) GetProjectPolicy(ctx context.Context, project string) (*Policy, error) {
	path := fmt.Sprintf("/v1/projects/%s:getIamPolicy", project)
	var policy Policy
	if err := c.do(ctx, http.MethodPost, c.url(resourceManagerHost, path), struct{}{}, &policy); err != nil {
		return nil, fmt.Errorf("get project policy: %w", err)
	}
	return &policy, nil
}

// SetProjectPolicy replaces the project's IAM policy. The policy's etag
// makes the write conditional on the version that was read.
func (c *Client) SetProjectPolicy(ctx context.Context, project string, policy *Policy) error {
	path := fmt.Sprintf("/v1/projects/%s:setIamPolicy", project)
	body := struct {
		Policy *Policy `json:"policy"`
	}{Policy: policy}
	if err := c.do(ctx, http.MethodPost, c.url(resourceManagerHost, path), body, nil); err != nil {
		return fmt.Errorf("set project policy: %w", err)
	}
	return nil
}

// EnsureBinding grants role to member if it is not already granted and
// reports whether the policy changed. A concurrent policy write makes
// the conditional update fail with a conflict, which classifies as
// transient: the caller's retry re-reads and reapplies.
func (c *Client) EnsureBinding(ctx context.Context, project, role, member string) (bool, error) {
	policy, err := c.GetProjectPolicy(ctx, project)
	if err != nil {
		return false, err
	}

	for i := range policy.Bindings {
		if policy.Bindings[i].Role != role {
			continue
		}
		if slices.Contains(policy.Bindings[i].Members, member) {
			return false, nil
		}
		policy.Bindings[i].Members = append(policy.Bindings[i].Members, member)
		return true, c.SetProjectPolicy(ctx, project, policy)
	}

	policy.Bindings = append(policy.Bindings, Binding{
		Role:    role,
		Members: []string{member},
	})
	return true, c.SetProjectPolicy(ctx, project, policy)
}
