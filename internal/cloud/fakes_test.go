package cloud

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

// Control-plane errors in the wire shape the client produces.

func notFound() error {
	return &gcloud.APIError{StatusCode: 404, Status: "NOT_FOUND", Message: "missing"}
}

func alreadyExists() error {
	return &gcloud.APIError{StatusCode: 409, Status: "ALREADY_EXISTS", Message: "present"}
}

func denied() error {
	return &gcloud.APIError{StatusCode: 403, Status: "PERMISSION_DENIED", Message: "denied"}
}

func quotaExhausted() error {
	return &gcloud.APIError{StatusCode: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}
}

func unavailable() error {
	return &gcloud.APIError{StatusCode: 503, Status: "UNAVAILABLE", Message: "backend"}
}

func testReporter() *progress.Reporter {
	return progress.NewHub().Reporter("test-run", "step")
}

// testContext builds a run context seeded with key/value pairs.
func testContext(t *testing.T, pairs ...string) *orchestrator.RunContext {
	t.Helper()
	rc := orchestrator.NewRunContext()
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := rc.Put(pairs[i], pairs[i+1]); err != nil {
			t.Fatalf("seed context %s: %v", pairs[i], err)
		}
	}
	return rc
}

// fastPoll collapses operation polling for tests.
func fastPoll() []retry.Option {
	return []retry.Option{
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxDelay(time.Millisecond),
		retry.WithMaxAttempts(5),
	}
}

const testProject = "acme-prod"

var testConfig = Config{Project: testProject, Region: "europe-west1"}

// fakeServices implements gcloud.ServiceManager. Enablement runs in
// parallel, so it is mutex-guarded.
type fakeServices struct {
	mu        sync.Mutex
	enabled   []string
	listErr   error
	enableErr map[string]error
	calls     []string
}

func (f *fakeServices) ListEnabledServices(ctx context.Context, project string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.enabled...), nil
}

func (f *fakeServices) EnableService(ctx context.Context, project, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enableErr[service]; err != nil {
		return err
	}
	f.calls = append(f.calls, service)
	f.enabled = append(f.enabled, service)
	return nil
}

// fakeAccounts implements gcloud.AccountManager with scripted token
// mints.
type fakeAccounts struct {
	existing  map[string]*gcloud.ServiceAccount
	getErr    error
	createErr error
	created   []string

	// mintResults scripts MintAccessToken per email; calls beyond the
	// script succeed.
	mintResults map[string][]error
	mintCalls   map[string]int
}

func (f *fakeAccounts) GetServiceAccount(ctx context.Context, project, email string) (*gcloud.ServiceAccount, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if sa, ok := f.existing[email]; ok {
		return sa, nil
	}
	return nil, notFound()
}

func (f *fakeAccounts) CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*gcloud.ServiceAccount, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	email := AccountEmail(accountID, project)
	sa := &gcloud.ServiceAccount{Email: email, DisplayName: displayName}
	if f.existing == nil {
		f.existing = make(map[string]*gcloud.ServiceAccount)
	}
	f.existing[email] = sa
	f.created = append(f.created, accountID)
	return sa, nil
}

func (f *fakeAccounts) MintAccessToken(ctx context.Context, email string) error {
	if f.mintCalls == nil {
		f.mintCalls = make(map[string]int)
	}
	n := f.mintCalls[email]
	f.mintCalls[email] = n + 1
	if script := f.mintResults[email]; n < len(script) {
		return script[n]
	}
	return nil
}

// fakePolicies implements gcloud.PolicyManager.
type fakePolicies struct {
	granted map[string][]string
	errOn   string
	calls   int
}

func (f *fakePolicies) EnsureBinding(ctx context.Context, project, role, member string) (bool, error) {
	f.calls++
	if role == f.errOn {
		return false, denied()
	}
	if f.granted == nil {
		f.granted = make(map[string][]string)
	}
	for _, m := range f.granted[role] {
		if m == member {
			return false, nil
		}
	}
	f.granted[role] = append(f.granted[role], member)
	return true, nil
}

// fakeFunctions implements gcloud.FunctionManager. Created and updated
// functions materialize immediately as ACTIVE with a serving URL.
type fakeFunctions struct {
	existing map[string]*gcloud.Function
	uploads  int
	created  map[string]gcloud.FunctionSpec
	updated  map[string]gcloud.FunctionSpec
	opPolls  int
}

func (f *fakeFunctions) GetFunction(ctx context.Context, project, region, name string) (*gcloud.Function, error) {
	if fn, ok := f.existing[name]; ok {
		return fn, nil
	}
	return nil, notFound()
}

func (f *fakeFunctions) GenerateUploadURL(ctx context.Context, project, region string) (*gcloud.UploadTarget, error) {
	target := &gcloud.UploadTarget{UploadURL: "https://uploads.example/signed"}
	target.Source.Bucket = "staging"
	target.Source.Object = fmt.Sprintf("upload-%d.zip", f.uploads)
	return target, nil
}

func (f *fakeFunctions) UploadArchive(ctx context.Context, uploadURL string, archive io.Reader, size int64) error {
	f.uploads++
	return nil
}

func (f *fakeFunctions) materialize(project, region, name string, spec gcloud.FunctionSpec) {
	if f.existing == nil {
		f.existing = make(map[string]*gcloud.Function)
	}
	fn := &gcloud.Function{
		Name:   fmt.Sprintf("projects/%s/locations/%s/functions/%s", project, region, name),
		State:  "ACTIVE",
		Labels: spec.Labels,
	}
	fn.ServiceConfig.URI = "https://" + name + ".example.run.app"
	f.existing[name] = fn
}

func (f *fakeFunctions) CreateFunction(ctx context.Context, project, region, name string, spec gcloud.FunctionSpec) (*gcloud.Operation, error) {
	if f.created == nil {
		f.created = make(map[string]gcloud.FunctionSpec)
	}
	f.created[name] = spec
	f.materialize(project, region, name, spec)
	return &gcloud.Operation{Name: "operations/create-" + name}, nil
}

func (f *fakeFunctions) UpdateFunction(ctx context.Context, name string, spec gcloud.FunctionSpec) (*gcloud.Operation, error) {
	short := path.Base(name)
	if f.updated == nil {
		f.updated = make(map[string]gcloud.FunctionSpec)
	}
	f.updated[short] = spec
	f.materialize("p", "r", short, spec)
	return &gcloud.Operation{Name: "operations/update-" + short}, nil
}

func (f *fakeFunctions) FunctionOperation(ctx context.Context, name string) (*gcloud.Operation, error) {
	f.opPolls++
	return &gcloud.Operation{Name: name, Done: true}, nil
}

// fakeGateways implements gcloud.GatewayManager.
type fakeGateways struct {
	api     *gcloud.API
	config  *gcloud.APIConfig
	gateway *gcloud.Gateway
	apiKey  *gcloud.APIKey

	keyString string

	createdAPI     bool
	createdConfig  bool
	createdGateway bool
	createdKey     bool

	configID      string
	configDoc     []byte
	gatewayConfig string
	keyService    string
}

func (f *fakeGateways) GetAPI(ctx context.Context, project, apiID string) (*gcloud.API, error) {
	if f.api == nil {
		return nil, notFound()
	}
	return f.api, nil
}

func (f *fakeGateways) CreateAPI(ctx context.Context, project, apiID string) (*gcloud.Operation, error) {
	f.createdAPI = true
	f.api = &gcloud.API{
		Name:           fmt.Sprintf("projects/%s/locations/global/apis/%s", project, apiID),
		State:          "ACTIVE",
		ManagedService: apiID + "-0abc1234.apigateway." + project + ".cloud.goog",
	}
	return &gcloud.Operation{Name: "operations/api"}, nil
}

func (f *fakeGateways) GetAPIConfig(ctx context.Context, project, apiID, configID string) (*gcloud.APIConfig, error) {
	if f.config == nil || f.configID != configID {
		return nil, notFound()
	}
	return f.config, nil
}

func (f *fakeGateways) CreateAPIConfig(ctx context.Context, project, apiID, configID string, openapiDoc []byte) (*gcloud.Operation, error) {
	f.createdConfig = true
	f.configID = configID
	f.configDoc = append([]byte(nil), openapiDoc...)
	f.config = &gcloud.APIConfig{Name: configID, State: "ACTIVE"}
	return &gcloud.Operation{Name: "operations/config"}, nil
}

func (f *fakeGateways) GetGateway(ctx context.Context, project, region, gatewayID string) (*gcloud.Gateway, error) {
	if f.gateway == nil {
		return nil, notFound()
	}
	return f.gateway, nil
}

func (f *fakeGateways) CreateGateway(ctx context.Context, project, region, gatewayID, configName string) (*gcloud.Operation, error) {
	f.createdGateway = true
	f.gatewayConfig = configName
	f.gateway = &gcloud.Gateway{
		Name:            gatewayID,
		State:           "ACTIVE",
		DefaultHostname: gatewayID + "-0abc1234.uc.gateway.dev",
	}
	return &gcloud.Operation{Name: "operations/gateway"}, nil
}

func (f *fakeGateways) GatewayOperation(ctx context.Context, name string) (*gcloud.Operation, error) {
	return &gcloud.Operation{Name: name, Done: true}, nil
}

func (f *fakeGateways) GetAPIKey(ctx context.Context, project, keyID string) (*gcloud.APIKey, error) {
	if f.apiKey == nil {
		return nil, notFound()
	}
	return f.apiKey, nil
}

func (f *fakeGateways) CreateAPIKey(ctx context.Context, project, keyID, displayName, service string) (*gcloud.Operation, error) {
	f.createdKey = true
	f.keyService = service
	f.apiKey = &gcloud.APIKey{
		Name:        fmt.Sprintf("projects/%s/locations/global/keys/%s", project, keyID),
		DisplayName: displayName,
	}
	return &gcloud.Operation{Name: "operations/key"}, nil
}

func (f *fakeGateways) APIKeyString(ctx context.Context, project, keyID string) (string, error) {
	if f.apiKey == nil {
		return "", notFound()
	}
	return f.keyString, nil
}

func (f *fakeGateways) APIKeyOperation(ctx context.Context, name string) (*gcloud.Operation, error) {
	return &gcloud.Operation{Name: name, Done: true}, nil
}

// fakeFederation implements gcloud.FederationManager.
type fakeFederation struct {
	pool     *gcloud.WorkloadPool
	provider *gcloud.WorkloadProvider

	createdPool     bool
	createdProvider bool
	providerSpec    gcloud.ProviderSpec
}

func (f *fakeFederation) GetWorkloadPool(ctx context.Context, project, poolID string) (*gcloud.WorkloadPool, error) {
	if f.pool == nil {
		return nil, notFound()
	}
	return f.pool, nil
}

func (f *fakeFederation) CreateWorkloadPool(ctx context.Context, project, poolID, displayName string) (*gcloud.Operation, error) {
	f.createdPool = true
	f.pool = &gcloud.WorkloadPool{Name: poolID, State: "ACTIVE", DisplayName: displayName}
	return &gcloud.Operation{Name: "operations/pool"}, nil
}

func (f *fakeFederation) GetWorkloadProvider(ctx context.Context, project, poolID, providerID string) (*gcloud.WorkloadProvider, error) {
	if f.provider == nil {
		return nil, notFound()
	}
	return f.provider, nil
}

func (f *fakeFederation) CreateWorkloadProvider(ctx context.Context, project, poolID, providerID string, spec gcloud.ProviderSpec) (*gcloud.Operation, error) {
	f.createdProvider = true
	f.providerSpec = spec
	f.provider = &gcloud.WorkloadProvider{Name: providerID, State: "ACTIVE"}
	return &gcloud.Operation{Name: "operations/provider"}, nil
}

// fakeDatastore implements gcloud.DatastoreManager.
type fakeDatastore struct {
	db              *gcloud.Database
	createdLocation string
	released        []string
	rulesErr        error
}

func (f *fakeDatastore) GetDatabase(ctx context.Context, project, name string) (*gcloud.Database, error) {
	if f.db == nil {
		return nil, notFound()
	}
	return f.db, nil
}

func (f *fakeDatastore) CreateDatabase(ctx context.Context, project, name, location string) (*gcloud.Operation, error) {
	f.createdLocation = location
	f.db = &gcloud.Database{Name: name, LocationID: location, Type: "FIRESTORE_NATIVE"}
	return &gcloud.Operation{Name: "operations/db"}, nil
}

func (f *fakeDatastore) ReleaseRules(ctx context.Context, project, release, content string) error {
	if f.rulesErr != nil {
		return f.rulesErr
	}
	f.released = append(f.released, content)
	return nil
}
