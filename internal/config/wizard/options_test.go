package wizard

import (
	"testing"

	"github.com/camforge/camforge/internal/config"
)

func TestRegionsToOptions(t *testing.T) {
	opts := RegionsToOptions()
	if len(opts) != len(Regions) {
		t.Fatalf("got %d options, want %d", len(opts), len(Regions))
	}
	if opts[0].Value != "asia-northeast1" {
		t.Errorf("first option = %q, want asia-northeast1", opts[0].Value)
	}
}

func TestFeaturesMatchKnownSet(t *testing.T) {
	if len(Features) != len(config.ValidFeatures) {
		t.Fatalf("wizard offers %d features, config knows %d", len(Features), len(config.ValidFeatures))
	}
	for _, f := range Features {
		if !config.ValidFeatures[f.Key] {
			t.Errorf("wizard feature %q is not a valid config feature", f.Key)
		}
		if !f.Default {
			t.Errorf("feature %q should default to enabled", f.Key)
		}
	}
}
