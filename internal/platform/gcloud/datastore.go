package gcloud

import (
	"context"
	"fmt"
	"net/http"
)

// Database is the document datastore instance.
type Database struct {
	Name       string `json:"name"`
	LocationID string `json:"locationId"`
	Type       string `json:"type"`
}

// GetDatabase reads a database by short name.
func (c *Client) GetDatabase(ctx context.Context, project, name string) (*Database, error) {
	path := fmt.Sprintf("/v1/projects/%s/databases/%s", project, name)
	var db Database
	if err := c.do(ctx, http.MethodGet, c.url(firestoreHost, path), nil, &db); err != nil {
		return nil, fmt.Errorf("get database %s: %w", name, err)
	}
	return &db, nil
}

// CreateDatabase provisions the document datastore in native mode.
func (c *Client) CreateDatabase(ctx context.Context, project, name, location string) (*Operation, error) {
	path := fmt.Sprintf("/v1/projects/%s/databases?databaseId=%s", project, name)
	body := struct {
		LocationID string `json:"locationId"`
		Type       string `json:"type"`
	}{LocationID: location, Type: "FIRESTORE_NATIVE"}

	var op Operation
	if err := c.do(ctx, http.MethodPost, c.url(firestoreHost, path), body, &op); err != nil {
		return nil, fmt.Errorf("create database %s: %w", name, err)
	}
	return &op, nil
}

type rulesFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type rulesetBody struct {
	Source struct {
		Files []rulesFile `json:"files"`
	} `json:"source"`
}

type rulesetResponse struct {
	Name string `json:"name"`
}

// ReleaseRules publishes datastore access rules: it creates a ruleset
// from the given source and points the named release at it. Re-releasing
// identical rules is harmless.
func (c *Client) ReleaseRules(ctx context.Context, project, release, content string) error {
	var body rulesetBody
	body.Source.Files = []rulesFile{{Name: "firestore.rules", Content: content}}

	var ruleset rulesetResponse
	path := fmt.Sprintf("/v1/projects/%s/rulesets", project)
	if err := c.do(ctx, http.MethodPost, c.url(rulesHost, path), body, &ruleset); err != nil {
		return fmt.Errorf("create ruleset: %w", err)
	}

	releaseBody := struct {
		Name        string `json:"name"`
		RulesetName string `json:"rulesetName"`
	}{
		Name:        fmt.Sprintf("projects/%s/releases/%s", project, release),
		RulesetName: ruleset.Name,
	}
	path = fmt.Sprintf("/v1/projects/%s/releases/%s", project, release)
	if err := c.do(ctx, http.MethodPatch, c.url(rulesHost, path), struct {
		Release any `json:"release"`
	}{Release: releaseBody}, nil); err != nil {
		if !IsNotFound(err) {
			return fmt.Errorf("update rules release: %w", err)
		}
		// First deployment on this project: the release does not exist
		// yet, create it.
		path = fmt.Sprintf("/v1/projects/%s/releases", project)
		if err := c.do(ctx, http.MethodPost, c.url(rulesHost, path), releaseBody, nil); err != nil {
			return fmt.Errorf("create rules release: %w", err)
		}
	}
	return nil
}
