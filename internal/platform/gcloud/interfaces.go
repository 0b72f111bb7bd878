package gcloud

import (
	"context"
	"io"
)

// ServiceManager enables platform APIs on a project.
type ServiceManager interface {
	ListEnabledServices(ctx context.Context, project string) ([]string, error)
	EnableService(ctx context.Context, project, service string) error
}

// AccountManager manages service accounts and can mint short-lived
// tokens for them, which doubles as the propagation probe.
type AccountManager interface {
	GetServiceAccount(ctx context.Context, project, email string) (*ServiceAccount, error)
	CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*ServiceAccount, error)
	MintAccessToken(ctx context.Context, email string) error
}

// PolicyManager grants project-level roles.
type PolicyManager interface {
	EnsureBinding(ctx context.Context, project, role, member string) (bool, error)
}

// FunctionManager deploys serverless functions from uploaded archives.
type FunctionManager interface {
	GetFunction(ctx context.Context, project, region, name string) (*Function, error)
	GenerateUploadURL(ctx context.Context, project, region string) (*UploadTarget, error)
	UploadArchive(ctx context.Context, uploadURL string, archive io.Reader, size int64) error
	CreateFunction(ctx context.Context, project, region, name string, spec FunctionSpec) (*Operation, error)
	UpdateFunction(ctx context.Context, name string, spec FunctionSpec) (*Operation, error)
	FunctionOperation(ctx context.Context, name string) (*Operation, error)
}

// GatewayManager assembles the three-layer API gateway (the managed
// service, an immutable config revision, and the serving instance)
// plus the API key callers present to it.
type GatewayManager interface {
	GetAPI(ctx context.Context, project, apiID string) (*API, error)
	CreateAPI(ctx context.Context, project, apiID string) (*Operation, error)
	GetAPIConfig(ctx context.Context, project, apiID, configID string) (*APIConfig, error)
	CreateAPIConfig(ctx context.Context, project, apiID, configID string, openapiDoc []byte) (*Operation, error)
	GetGateway(ctx context.Context, project, region, gatewayID string) (*Gateway, error)
	CreateGateway(ctx context.Context, project, region, gatewayID, configName string) (*Operation, error)
	GatewayOperation(ctx context.Context, name string) (*Operation, error)
	GetAPIKey(ctx context.Context, project, keyID string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, project, keyID, displayName, service string) (*Operation, error)
	APIKeyString(ctx context.Context, project, keyID string) (string, error)
	APIKeyOperation(ctx context.Context, name string) (*Operation, error)
}

// FederationManager manages workload identity pools and providers.
type FederationManager interface {
	GetWorkloadPool(ctx context.Context, project, poolID string) (*WorkloadPool, error)
	CreateWorkloadPool(ctx context.Context, project, poolID, displayName string) (*Operation, error)
	GetWorkloadProvider(ctx context.Context, project, poolID, providerID string) (*WorkloadProvider, error)
	CreateWorkloadProvider(ctx context.Context, project, poolID, providerID string, spec ProviderSpec) (*Operation, error)
}

// DatastoreManager provisions the document database and publishes its
// access rules.
type DatastoreManager interface {
	GetDatabase(ctx context.Context, project, name string) (*Database, error)
	CreateDatabase(ctx context.Context, project, name, location string) (*Operation, error)
	ReleaseRules(ctx context.Context, project, release, content string) error
}

// ControlPlane combines every control-plane capability the cloud steps
// need. The live implementation is Client; tests substitute fakes for
// the narrow role interfaces.
type ControlPlane interface {
	ServiceManager
	AccountManager
	PolicyManager
	FunctionManager
	GatewayManager
	FederationManager
	DatastoreManager
}

var _ ControlPlane = (*Client)(nil)
