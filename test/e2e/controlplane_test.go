package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// controlPlane is an in-memory stand-in for every control-plane API
// family the provisioning steps touch. All resources live behind one
// httptest server; the production client routes every family here via
// WithBaseURL. Mutations follow the real APIs' shapes closely enough
// that the check-before-create handlers cannot tell the difference.
type controlPlane struct {
	server *httptest.Server

	mu        sync.Mutex
	enabled   map[string]bool
	accounts  map[string]string // email -> display name
	bindings  map[string]map[string]bool
	functions map[string]*fnRec
	apis      map[string]bool
	configs   map[string]bool
	gateways  map[string]bool
	keys      map[string]bool
	pools     map[string]bool
	providers map[string]bool
	databases map[string]string // name -> location
	releases  map[string]string // release -> ruleset
	opSeq     int
	rulesets  int
	uploads   int

	// Call counters the specs assert on.
	listCalls          int
	accountCreateCalls int

	// Scripted behavior.
	createAccount503 int              // remaining 503s for account creation
	quotaService     string           // service whose enablement hits quota
	listGate         chan struct{}    // when set, ListEnabledServices blocks on it
	listStarted      chan struct{}    // closed when the first list call arrives
	listStartedOnce  sync.Once
}

type fnRec struct {
	Name   string
	URI    string
	Labels map[string]string
}

func newControlPlane() *controlPlane {
	cp := &controlPlane{
		enabled:     make(map[string]bool),
		accounts:    make(map[string]string),
		bindings:    make(map[string]map[string]bool),
		functions:   make(map[string]*fnRec),
		apis:        make(map[string]bool),
		configs:     make(map[string]bool),
		gateways:    make(map[string]bool),
		keys:        make(map[string]bool),
		pools:       make(map[string]bool),
		providers:   make(map[string]bool),
		databases:   make(map[string]string),
		releases:    make(map[string]string),
		listStarted: make(chan struct{}),
	}
	cp.server = httptest.NewServer(http.HandlerFunc(cp.route))
	return cp
}

func (cp *controlPlane) close() { cp.server.Close() }

func (cp *controlPlane) url() string { return cp.server.URL }

func (cp *controlPlane) listCallCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.listCalls
}

func (cp *controlPlane) accountCreateCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.accountCreateCalls
}

// matchPath matches a URL path against a pattern with {name}
// placeholders. A placeholder may carry a :verb suffix, which must
// appear literally on the path segment.
func matchPath(pattern, path string) (map[string]string, bool) {
	pp := strings.Split(pattern, "/")
	sp := strings.Split(path, "/")
	if len(pp) != len(sp) {
		return nil, false
	}
	vars := make(map[string]string)
	for i := range pp {
		p, s := pp[i], sp[i]
		if idx := strings.IndexByte(p, ':'); idx >= 0 && strings.HasPrefix(p, "{") {
			suffix := p[idx:]
			if !strings.HasSuffix(s, suffix) {
				return nil, false
			}
			p, s = p[:idx], strings.TrimSuffix(s, suffix)
		}
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			vars[p[1:len(p)-1]] = s
			continue
		}
		if p != s {
			return nil, false
		}
	}
	return vars, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{"code": code, "status": status, "message": message},
	})
}

// doneOp records and returns an immediately finished operation.
func (cp *controlPlane) doneOp(project, location string) map[string]any {
	cp.opSeq++
	name := fmt.Sprintf("projects/%s/locations/%s/operations/op-%d", project, location, cp.opSeq)
	return map[string]any{"name": name, "done": true}
}

func (cp *controlPlane) route(w http.ResponseWriter, r *http.Request) {
	type rule struct {
		method  string
		pattern string
		handle  func(w http.ResponseWriter, r *http.Request, vars map[string]string)
	}
	rules := []rule{
		// Service usage.
		{http.MethodGet, "/v1/projects/{p}/services", cp.listServices},
		{http.MethodPost, "/v1/projects/{p}/services/{svc}:enable", cp.enableService},

		// Service accounts and token minting.
		{http.MethodGet, "/v1/projects/{p}/serviceAccounts/{email}", cp.getAccount},
		{http.MethodPost, "/v1/projects/{p}/serviceAccounts", cp.createAccount},
		{http.MethodPost, "/v1/projects/-/serviceAccounts/{email}:generateAccessToken", cp.mintToken},

		// Project IAM policy.
		{http.MethodPost, "/v1/projects/{p}:getIamPolicy", cp.getPolicy},
		{http.MethodPost, "/v1/projects/{p}:setIamPolicy", cp.setPolicy},

		// Functions.
		{http.MethodPost, "/v2/projects/{p}/locations/{r}/functions:generateUploadUrl", cp.generateUploadURL},
		{http.MethodGet, "/v2/projects/{p}/locations/{r}/functions/{name}", cp.getFunction},
		{http.MethodPost, "/v2/projects/{p}/locations/{r}/functions", cp.createFunction},
		{http.MethodPatch, "/v2/projects/{p}/locations/{r}/functions/{name}", cp.updateFunction},
		{http.MethodPut, "/upload", cp.acceptUpload},

		// Operations, both API versions.
		{http.MethodGet, "/v1/projects/{p}/locations/{loc}/operations/{op}", cp.getOperation},
		{http.MethodGet, "/v2/projects/{p}/locations/{loc}/operations/{op}", cp.getOperation},

		// Gateway assembly.
		{http.MethodGet, "/v1/projects/{p}/locations/global/apis/{api}/configs/{cfg}", cp.getConfig},
		{http.MethodPost, "/v1/projects/{p}/locations/global/apis/{api}/configs", cp.createConfig},
		{http.MethodGet, "/v1/projects/{p}/locations/global/apis/{api}", cp.getAPI},
		{http.MethodPost, "/v1/projects/{p}/locations/global/apis", cp.createAPI},
		{http.MethodGet, "/v1/projects/{p}/locations/{r}/gateways/{gw}", cp.getGateway},
		{http.MethodPost, "/v1/projects/{p}/locations/{r}/gateways", cp.createGateway},

		// API keys.
		{http.MethodGet, "/v2/projects/{p}/locations/global/keys/{key}/keyString", cp.keyString},
		{http.MethodGet, "/v2/projects/{p}/locations/global/keys/{key}", cp.getKey},
		{http.MethodPost, "/v2/projects/{p}/locations/global/keys", cp.createKey},

		// Workload identity federation.
		{http.MethodGet, "/v1/projects/{p}/locations/global/workloadIdentityPools/{pool}/providers/{prov}", cp.getProvider},
		{http.MethodPost, "/v1/projects/{p}/locations/global/workloadIdentityPools/{pool}/providers", cp.createProvider},
		{http.MethodGet, "/v1/projects/{p}/locations/global/workloadIdentityPools/{pool}", cp.getPool},
		{http.MethodPost, "/v1/projects/{p}/locations/global/workloadIdentityPools", cp.createPool},

		// Datastore and rules.
		{http.MethodGet, "/v1/projects/{p}/databases/{db}", cp.getDatabase},
		{http.MethodPost, "/v1/projects/{p}/databases", cp.createDatabase},
		{http.MethodPost, "/v1/projects/{p}/rulesets", cp.createRuleset},
		{http.MethodPatch, "/v1/projects/{p}/releases/{rel}", cp.updateRelease},
		{http.MethodPost, "/v1/projects/{p}/releases", cp.createRelease},
	}

	for _, rl := range rules {
		if r.Method != rl.method {
			continue
		}
		if vars, ok := matchPath(rl.pattern, r.URL.Path); ok {
			rl.handle(w, r, vars)
			return
		}
	}
	writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint: "+r.Method+" "+r.URL.Path)
}

func (cp *controlPlane) listServices(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	cp.mu.Lock()
	cp.listCalls++
	gate := cp.listGate
	cp.mu.Unlock()

	cp.listStartedOnce.Do(func() { close(cp.listStarted) })
	if gate != nil {
		<-gate
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	services := make([]map[string]any, 0, len(cp.enabled))
	for svc := range cp.enabled {
		services = append(services, map[string]any{
			"config": map[string]any{"name": svc},
			"state":  "ENABLED",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (cp *controlPlane) enableService(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if vars["svc"] == cp.quotaService {
		writeAPIError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "service enablement quota exceeded")
		return
	}
	cp.enabled[vars["svc"]] = true
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (cp *controlPlane) getAccount(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	display, ok := cp.accounts[vars["email"]]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown service account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": vars["email"], "displayName": display})
}

func (cp *controlPlane) createAccount(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	var body struct {
		AccountID      string `json:"accountId"`
		ServiceAccount struct {
			DisplayName string `json:"displayName"`
		} `json:"serviceAccount"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.accountCreateCalls++
	if cp.createAccount503 > 0 {
		cp.createAccount503--
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "backend unavailable")
		return
	}
	email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", body.AccountID, vars["p"])
	cp.accounts[email] = body.ServiceAccount.DisplayName
	writeJSON(w, http.StatusOK, map[string]any{"email": email, "displayName": body.ServiceAccount.DisplayName})
}

func (cp *controlPlane) mintToken(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.accounts[vars["email"]]; !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown service account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": "minted", "expireTime": "2030-01-01T00:00:00Z"})
}

func (cp *controlPlane) getPolicy(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	bindings := make([]map[string]any, 0, len(cp.bindings))
	for role, members := range cp.bindings {
		list := make([]string, 0, len(members))
		for m := range members {
			list = append(list, m)
		}
		bindings = append(bindings, map[string]any{"role": role, "members": list})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings, "etag": "e2e"})
}

func (cp *controlPlane) setPolicy(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		Policy struct {
			Bindings []struct {
				Role    string   `json:"role"`
				Members []string `json:"members"`
			} `json:"bindings"`
		} `json:"policy"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.bindings = make(map[string]map[string]bool)
	for _, b := range body.Policy.Bindings {
		members := make(map[string]bool, len(b.Members))
		for _, m := range b.Members {
			members[m] = true
		}
		cp.bindings[b.Role] = members
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (cp *controlPlane) hasBinding(role, member string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.bindings[role][member]
}

func (cp *controlPlane) generateUploadURL(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	cp.mu.Lock()
	cp.uploads++
	n := cp.uploads
	cp.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadUrl": cp.server.URL + "/upload",
		"storageSource": map[string]any{
			"bucket": "camforge-staging",
			"object": fmt.Sprintf("src-%d.zip", n),
		},
	})
}

func (cp *controlPlane) acceptUpload(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	w.WriteHeader(http.StatusOK)
}

func (cp *controlPlane) getFunction(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	fn, ok := cp.functions[vars["name"]]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown function")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          fn.Name,
		"state":         "ACTIVE",
		"serviceConfig": map[string]any{"uri": fn.URI},
		"labels":        fn.Labels,
	})
}

func (cp *controlPlane) createFunction(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	id := r.URL.Query().Get("functionId")
	var body struct {
		Labels map[string]string `json:"labels"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.functions[id] = &fnRec{
		Name:   fmt.Sprintf("projects/%s/locations/%s/functions/%s", vars["p"], vars["r"], id),
		URI:    fmt.Sprintf("https://%s-e2e.a.run.app", id),
		Labels: body.Labels,
	}
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], vars["r"]))
}

func (cp *controlPlane) updateFunction(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	var body struct {
		Labels map[string]string `json:"labels"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if fn, ok := cp.functions[vars["name"]]; ok {
		fn.Labels = body.Labels
	}
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], vars["r"]))
}

func (cp *controlPlane) getOperation(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	// Every operation this fake hands out is already finished.
	writeJSON(w, http.StatusOK, map[string]any{"done": true})
}

func (cp *controlPlane) getAPI(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.apis[vars["api"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown api")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           fmt.Sprintf("projects/%s/locations/global/apis/%s", vars["p"], vars["api"]),
		"state":          "ACTIVE",
		"managedService": fmt.Sprintf("%s-e2e.apigateway.%s.cloud.goog", vars["api"], vars["p"]),
	})
}

func (cp *controlPlane) createAPI(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.apis[r.URL.Query().Get("apiId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], "global"))
}

func (cp *controlPlane) getConfig(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.configs[vars["cfg"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown api config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": vars["cfg"], "state": "ACTIVE"})
}

func (cp *controlPlane) createConfig(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.configs[r.URL.Query().Get("apiConfigId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], "global"))
}

func (cp *controlPlane) getGateway(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.gateways[vars["gw"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown gateway")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            fmt.Sprintf("projects/%s/locations/%s/gateways/%s", vars["p"], vars["r"], vars["gw"]),
		"state":           "ACTIVE",
		"defaultHostname": fmt.Sprintf("%s-e2e.gateway.dev", vars["gw"]),
	})
}

func (cp *controlPlane) createGateway(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.gateways[r.URL.Query().Get("gatewayId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], vars["r"]))
}

func (cp *controlPlane) getKey(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.keys[vars["key"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": vars["key"], "uid": "uid-" + vars["key"]})
}

func (cp *controlPlane) createKey(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.keys[r.URL.Query().Get("keyId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], "global"))
}

func (cp *controlPlane) keyString(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.keys[vars["key"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keyString": "gw-key-" + vars["key"]})
}

func (cp *controlPlane) getPool(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.pools[vars["pool"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown pool")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": vars["pool"], "state": "ACTIVE"})
}

func (cp *controlPlane) createPool(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.pools[r.URL.Query().Get("workloadIdentityPoolId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], "global"))
}

func (cp *controlPlane) getProvider(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.providers[vars["prov"]] {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": vars["prov"], "state": "ACTIVE"})
}

func (cp *controlPlane) createProvider(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.providers[r.URL.Query().Get("workloadIdentityPoolProviderId")] = true
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], "global"))
}

func (cp *controlPlane) getDatabase(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	location, ok := cp.databases[vars["db"]]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown database")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       fmt.Sprintf("projects/%s/databases/%s", vars["p"], vars["db"]),
		"locationId": location,
		"type":       "FIRESTORE_NATIVE",
	})
}

func (cp *controlPlane) createDatabase(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	var body struct {
		LocationID string `json:"locationId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.databases[r.URL.Query().Get("databaseId")] = body.LocationID
	writeJSON(w, http.StatusOK, cp.doneOp(vars["p"], body.LocationID))
}

func (cp *controlPlane) createRuleset(w http.ResponseWriter, _ *http.Request, vars map[string]string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.rulesets++
	writeJSON(w, http.StatusOK, map[string]any{
		"name": fmt.Sprintf("projects/%s/rulesets/rs-%d", vars["p"], cp.rulesets),
	})
}

func (cp *controlPlane) updateRelease(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	var body struct {
		Release struct {
			RulesetName string `json:"rulesetName"`
		} `json:"release"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.releases[vars["rel"]]; !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown release")
		return
	}
	cp.releases[vars["rel"]] = body.Release.RulesetName
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (cp *controlPlane) createRelease(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	var body struct {
		Name        string `json:"name"`
		RulesetName string `json:"rulesetName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	release := body.Name
	if idx := strings.LastIndex(release, "/"); idx >= 0 {
		release = release[idx+1:]
	}
	cp.releases[release] = body.RulesetName
	writeJSON(w, http.StatusOK, map[string]any{})
}
