package wizard

import "github.com/charmbracelet/huh"

// RegionOption represents a cloud region.
type RegionOption struct {
	Value       string
	Label       string
	Description string
}

// Regions contains the regions offered for the backend resources.
var Regions = []RegionOption{
	{Value: "asia-northeast1", Label: "asia-northeast1", Description: "Tokyo, Japan"},
	{Value: "asia-northeast2", Label: "asia-northeast2", Description: "Osaka, Japan"},
	{Value: "asia-southeast1", Label: "asia-southeast1", Description: "Singapore"},
	{Value: "europe-west1", Label: "europe-west1", Description: "Belgium"},
	{Value: "europe-west2", Label: "europe-west2", Description: "London, UK"},
	{Value: "us-central1", Label: "us-central1", Description: "Iowa, USA"},
	{Value: "us-east1", Label: "us-east1", Description: "South Carolina, USA"},
	{Value: "us-west1", Label: "us-west1", Description: "Oregon, USA"},
}

// FeatureOption represents a capability that can be enabled.
type FeatureOption struct {
	Key         string
	Label       string
	Description string
	Default     bool
}

// Features contains the selectable capabilities. The backend core is
// always provisioned and has no option here.
var Features = []FeatureOption{
	{Key: "gateway", Label: "API Gateway", Description: "Keyed HTTPS entry point for devices", Default: true},
	{Key: "federation", Label: "Identity Federation", Description: "Device tokens exchanged for cloud access", Default: true},
	{Key: "datastore", Label: "Datastore", Description: "Device state documents and access rules", Default: true},
	{Key: "devices", Label: "Device Rollout", Description: "Discover and provision the camera fleet", Default: true},
}

// ArtifactSourceOptions contains the package source choices.
var ArtifactSourceOptions = []huh.Option[string]{
	huh.NewOption("GitHub release", "github"),
	huh.NewOption("S3-compatible bucket", "s3"),
	huh.NewOption("None - cache is managed by hand", ""),
}

// RegionsToOptions converts RegionOption slice to huh.Option slice.
func RegionsToOptions() []huh.Option[string] {
	opts := make([]huh.Option[string], len(Regions))
	for i, r := range Regions {
		opts[i] = huh.NewOption(r.Label+" - "+r.Description, r.Value)
	}
	return opts
}
