package gcloud

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type serviceEntry struct {
	Config struct {
		Name string `json:"name"`
	} `json:"config"`
	State string `json:"state"`
}

type listServicesResponse struct {
	Services      []serviceEntry `json:"services"`
	NextPageToken string         `json:"nextPageToken"`
}

// ListEnabledServices returns the short names of services currently
// enabled on the project.
func (c *Client) ListEnabledServices(ctx context.Context, project string) ([]string, error) {
	var enabled []string
	pageToken := ""

	for {
		path := fmt.Sprintf("/v1/projects/%s/services?filter=state:ENABLED&pageSize=200", project)
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}

		var resp listServicesResponse
		if err := c.do(ctx, http.MethodGet, c.url(serviceUsageHost, path), nil, &resp); err != nil {
			return nil, fmt.Errorf("list enabled services: %w", err)
		}

		for _, svc := range resp.Services {
			// Names arrive fully qualified; keep the short form.
			name := svc.Config.Name
			if idx := strings.LastIndex(name, "/"); idx >= 0 {
				name = name[idx+1:]
			}
			enabled = append(enabled, name)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return enabled, nil
}

// EnableService enables one service on the project. Enabling an
// already-enabled service succeeds.
func (c *Client) EnableService(ctx context.Context, project, service string) error {
	path := fmt.Sprintf("/v1/projects/%s/services/%s:enable", project, service)
	if err := c.do(ctx, http.MethodPost, c.url(serviceUsageHost, path), struct{}{}, nil); err != nil {
		if IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("enable service %s: %w", service, err)
	}
	return nil
}
