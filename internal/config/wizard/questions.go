package wizard

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/camforge/camforge/internal/device/scan"
	"github.com/charmbracelet/huh"
)

// projectRefRegex validates project references: 6-30 lowercase
// alphanumeric characters or hyphens, starting with a letter.
var projectRefRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)

// runProjectGroup prompts for the project reference and region.
func runProjectGroup(ctx context.Context, result *WizardResult) error {
	result.Region = Regions[0].Value

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project Reference").
				Description("Cloud project the backend is provisioned into").
				Placeholder("my-fleet-prod").
				Value(&result.ProjectRef).
				Validate(validateProjectRef),
			huh.NewSelect[string]().
				Title("Region").
				Description("Home region for functions and the gateway").
				Options(RegionsToOptions()...).
				Value(&result.Region),
		).Title("Project Identity"),
	).RunWithContext(ctx)
}

// runFeaturesGroup prompts for the capabilities to provision.
func runFeaturesGroup(ctx context.Context, result *WizardResult) error {
	options := make([]huh.Option[string], len(Features))
	defaultSelected := []string{}

	for i, feature := range Features {
		options[i] = huh.NewOption(feature.Label+" - "+feature.Description, feature.Key)
		if feature.Default {
			defaultSelected = append(defaultSelected, feature.Key)
		}
	}

	result.EnabledFeatures = defaultSelected

	return huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Capabilities").
				Description("The backend core (services, accounts, functions) is always provisioned").
				Options(options...).
				Value(&result.EnabledFeatures),
		).Title("Features"),
	).RunWithContext(ctx)
}

// runFleetGroup prompts for scan ranges and device credentials.
func runFleetGroup(ctx context.Context, result *WizardResult) error {
	var rangesInput string
	result.Username = "root"

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Scan Ranges").
				Description("Comma-separated /24 CIDRs or single host addresses").
				Placeholder("192.168.0.0/24, 10.1.2.3").
				Value(&rangesInput).
				Validate(validateRanges),
			huh.NewInput().
				Title("Device Username").
				Description("Factory login tried on every discovered device").
				Value(&result.Username).
				Validate(validateUsername),
			huh.NewInput().
				Title("Device Password (Optional)").
				Description("Leave empty to supply it via CAMFORGE_DEVICE_PASSWORD at deploy time").
				EchoMode(huh.EchoModePassword).
				Value(&result.Password),
		).Title("Device Fleet"),
	).RunWithContext(ctx)

	if err != nil {
		return err
	}

	result.ScanRanges = parseRanges(rangesInput)
	return nil
}

// runArtifactsGroup prompts for the package source.
func runArtifactsGroup(ctx context.Context, result *WizardResult) error {
	result.ArtifactSource = "github"

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Package Source").
				Description("Where device application packages are downloaded from").
				Options(ArtifactSourceOptions...).
				Value(&result.ArtifactSource),
		).Title("Artifacts"),
	).RunWithContext(ctx)

	if err != nil {
		return err
	}

	switch result.ArtifactSource {
	case "github":
		return huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Repository Owner").
					Placeholder("camforge").
					Value(&result.GitHubOwner),
				huh.NewInput().
					Title("Repository Name").
					Placeholder("device-packages").
					Value(&result.GitHubRepo),
				huh.NewInput().
					Title("Release Tag (Optional)").
					Description("Leave empty to track the latest release").
					Value(&result.GitHubTag),
			).Title("GitHub Release"),
		).RunWithContext(ctx)
	case "s3":
		return huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Endpoint (Optional)").
					Description("Leave empty for AWS; S3-compatible stores set their own").
					Value(&result.S3Endpoint),
				huh.NewInput().
					Title("Region").
					Placeholder("eu-central-1").
					Value(&result.S3Region),
				huh.NewInput().
					Title("Bucket").
					Placeholder("camforge-packages").
					Value(&result.S3Bucket),
				huh.NewInput().
					Title("Key Prefix (Optional)").
					Value(&result.S3Prefix),
			).Title("S3 Bucket"),
		).RunWithContext(ctx)
	}

	return nil
}

// runAdvancedGroup prompts for advanced options.
func runAdvancedGroup(ctx context.Context, opts *AdvancedOptions) error {
	opts.DevicePort = "80"

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device Port").
				Description("TCP port devices answer on").
				Value(&opts.DevicePort).
				Validate(validatePort),
			huh.NewInput().
				Title("State Directory").
				Description("Run documents and the credential sealing key. Leave empty for ~/.camforge").
				Value(&opts.StateDir),
		).Title("Advanced Options"),
	).RunWithContext(ctx)
}

// validateProjectRef validates the project reference format.
func validateProjectRef(s string) error {
	if s == "" {
		return errProjectRefRequired
	}
	if !projectRefRegex.MatchString(s) {
		return errProjectRefInvalid
	}
	return nil
}

// validateRanges validates the comma-separated scan range list.
func validateRanges(s string) error {
	ranges := parseRanges(s)
	if len(ranges) == 0 {
		return errRangesRequired
	}
	if _, err := scan.Expand(ranges); err != nil {
		return err
	}
	return nil
}

// validateUsername requires a non-empty device login.
func validateUsername(s string) error {
	if strings.TrimSpace(s) == "" {
		return errUsernameRequired
	}
	return nil
}

// validatePort validates a TCP port entered as text.
func validatePort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errPortInvalid
	}
	if err := scan.ValidatePort(p); err != nil {
		return errPortInvalid
	}
	return nil
}

// parseRanges parses a comma-separated list of scan ranges.
func parseRanges(input string) []string {
	parts := strings.Split(input, ",")
	ranges := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			ranges = append(ranges, trimmed)
		}
	}
	return ranges
}
