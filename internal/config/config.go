// Package config defines the camforge.yaml configuration structure,
// loading, and validation.
package config

// Feature names recognized in enabled_features. The backend core
// (services, accounts, roles, propagation, functions) always runs;
// features select the optional capabilities built on top of it.
const (
	FeatureGateway    = "gateway"
	FeatureFederation = "federation"
	FeatureDatastore  = "datastore"
	FeatureDevices    = "devices"
)

// ValidFeatures contains every feature name enabled_features accepts.
var ValidFeatures = map[string]bool{
	FeatureGateway:    true,
	FeatureFederation: true,
	FeatureDatastore:  true,
	FeatureDevices:    true,
}

// Config holds the application configuration.
type Config struct {
	// ProjectRef is the cloud project everything is provisioned into.
	ProjectRef string `yaml:"project_ref"`

	// Region hosts the regional resources (functions, gateway).
	// Default: "asia-northeast1"
	Region string `yaml:"region"`

	// EnabledFeatures selects optional capabilities. An empty list
	// enables everything; an explicit list is taken literally, and
	// "devices" then requires "gateway", "federation" and
	// "datastore" to be listed too.
	EnabledFeatures []string `yaml:"enabled_features"`

	// DeviceCredentials is the factory login tried on every
	// discovered device. The password may also come from the
	// CAMFORGE_DEVICE_PASSWORD environment variable, which takes
	// precedence over the file.
	DeviceCredentials DeviceCredentials `yaml:"device_credentials"`

	// ScanRanges lists the networks to discover devices on. Each
	// entry is a /24 CIDR or a single IPv4 host address.
	ScanRanges []string `yaml:"scan_ranges"`

	// DevicePort is the TCP port devices answer on.
	// Default: 80
	DevicePort int `yaml:"device_port"`

	// Artifacts configures the device package cache and where it
	// syncs from.
	Artifacts ArtifactSource `yaml:"artifacts"`

	// StateDir is where run documents and the credential sealing key
	// live. Default: ~/.camforge
	StateDir string `yaml:"state_dir"`
}

// DeviceCredentials is the login used against discovered devices.
type DeviceCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ArtifactSource configures the local package cache and the remote
// store it syncs from. Source selects the store kind; an empty source
// means the cache is managed by hand and never synced.
type ArtifactSource struct {
	// CacheDir holds the downloaded packages and their manifest.
	// Default: <state_dir>/packages
	CacheDir string `yaml:"cache_dir"`

	// Source is "github", "s3", or empty.
	Source string `yaml:"source"`

	GitHub GitHubArtifacts `yaml:"github"`
	S3     S3Artifacts     `yaml:"s3"`
}

// GitHubArtifacts points at a repository release carrying the device
// packages as assets. The GITHUB_TOKEN environment variable is used
// when set; public repositories need none.
type GitHubArtifacts struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// Tag pins a release. Empty means the latest release.
	Tag string `yaml:"tag"`
}

// S3Artifacts points at an S3-compatible bucket carrying the device
// packages. Credentials come from the CAMFORGE_S3_ACCESS_KEY and
// CAMFORGE_S3_SECRET_KEY environment variables, never from the file.
type S3Artifacts struct {
	// Endpoint overrides the AWS default, for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
}

// FeatureEnabled reports whether a feature is active. An empty
// enabled_features list enables every feature.
func (c *Config) FeatureEnabled(name string) bool {
	if len(c.EnabledFeatures) == 0 {
		return ValidFeatures[name]
	}
	for _, f := range c.EnabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}
