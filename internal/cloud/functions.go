package cloud

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
)

//go:embed assets/device-auth assets/token-vendor
var functionAssets embed.FS

const (
	functionsRuntime = "python312"

	// digestLabel carries the short source digest on each deployed
	// function. A resume compares digests instead of redeploying.
	digestLabel  = "source-digest"
	managedLabel = "managed-by"
)

// functionDef ties one embedded source tree to its deployment.
type functionDef struct {
	Name       string
	AssetDir   string
	EntryPoint string
	// AccountKey names the run-context entry holding the identity the
	// function runs as; ContextKey is where its URL is published.
	AccountKey string
	ContextKey string
	// EnvKeys maps extra environment variables onto run-context keys.
	EnvKeys map[string]string
}

var functionDefs = []functionDef{
	{
		Name:       "camforge-device-auth",
		AssetDir:   "assets/device-auth",
		EntryPoint: "device_auth",
		AccountKey: KeyDeviceAuthEmail,
		ContextKey: KeyDeviceAuthURL,
	},
	{
		Name:       "camforge-token-vendor",
		AssetDir:   "assets/token-vendor",
		EntryPoint: "token_vendor",
		AccountKey: KeyTokenVendorEmail,
		ContextKey: KeyTokenVendorURL,
		EnvKeys:    map[string]string{"RUNTIME_SERVICE_ACCOUNT": KeyRuntimeEmail},
	},
}

// FunctionsStep packages the bundled function sources and deploys
// them, publishing the serving URLs to the run context.
type FunctionsStep struct {
	gcpStep
	functions gcloud.FunctionManager
	project   string
	region    string
	pollOpts  []retry.Option
}

func NewFunctionsStep(functions gcloud.FunctionManager, cfg Config) *FunctionsStep {
	return &FunctionsStep{
		functions: functions,
		project:   cfg.Project,
		region:    cfg.Region,
		pollOpts:  defaultPollOpts(),
	}
}

func (s *FunctionsStep) Key() string { return StepFunctions }

func (s *FunctionsStep) Run(ctx context.Context, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	for i, def := range functionDefs {
		if err := s.deploy(ctx, def, rc, reporter); err != nil {
			reporter.SubStep(def.Name, progress.StatusFailed, 100, err.Error())
			return err
		}
		reporter.Progress((i+1)*100/len(functionDefs), fmt.Sprintf("function %s serving", def.Name))
	}
	return nil
}

func (s *FunctionsStep) deploy(ctx context.Context, def functionDef, rc *orchestrator.RunContext, reporter *progress.Reporter) error {
	account := rc.Value(def.AccountKey)
	if account == "" {
		return fmt.Errorf("run context is missing %s; the accounts step must complete first", def.AccountKey)
	}
	env := map[string]string{"PROJECT_ID": s.project}
	for name, key := range def.EnvKeys {
		v := rc.Value(key)
		if v == "" {
			return fmt.Errorf("run context is missing %s; the accounts step must complete first", key)
		}
		env[name] = v
	}

	reporter.SubStep(def.Name, progress.StatusRunning, 0, "packaging source")
	archive, digest, err := packageSource(def.AssetDir)
	if err != nil {
		return fmt.Errorf("package %s: %w", def.Name, err)
	}
	shortDigest := digest[:12]

	existing, err := s.functions.GetFunction(ctx, s.project, s.region, def.Name)
	switch {
	case err == nil && existing.Labels[digestLabel] == shortDigest && existing.Ready():
		// Same source already serving, typical after a resume.
		reporter.SubStep(def.Name, progress.StatusCompleted, 100, "already current")
		return s.publishURL(def, existing, rc)
	case err == nil, gcloud.IsNotFound(err):
	default:
		return withHint(err)
	}

	reporter.SubStep(def.Name, progress.StatusRunning, 20, "uploading archive")
	target, err := s.functions.GenerateUploadURL(ctx, s.project, s.region)
	if err != nil {
		return withHint(err)
	}
	if err := s.functions.UploadArchive(ctx, target.UploadURL, bytes.NewReader(archive), int64(len(archive))); err != nil {
		return withHint(err)
	}

	spec := gcloud.FunctionSpec{
		Runtime:        functionsRuntime,
		EntryPoint:     def.EntryPoint,
		SourceBucket:   target.Source.Bucket,
		SourceObject:   target.Source.Object,
		ServiceAccount: account,
		EnvVars:        env,
		Labels: map[string]string{
			managedLabel: "camforge",
			digestLabel:  shortDigest,
		},
	}

	reporter.SubStep(def.Name, progress.StatusRunning, 40, "deploying")
	var op *gcloud.Operation
	if existing != nil {
		op, err = s.functions.UpdateFunction(ctx, existing.Name, spec)
	} else {
		op, err = s.functions.CreateFunction(ctx, s.project, s.region, def.Name, spec)
	}
	if err != nil {
		return withHint(err)
	}

	reporter.SubStep(def.Name, progress.StatusRunning, 60, "building")
	if err := waitOperation(ctx, s.functions.FunctionOperation, op.Name, s.pollOpts); err != nil {
		return withHint(fmt.Errorf("deploy %s: %w", def.Name, err))
	}

	deployed, err := s.functions.GetFunction(ctx, s.project, s.region, def.Name)
	if err != nil {
		return withHint(err)
	}
	reporter.SubStep(def.Name, progress.StatusCompleted, 100, "deployed")
	return s.publishURL(def, deployed, rc)
}

func (s *FunctionsStep) publishURL(def functionDef, fn *gcloud.Function, rc *orchestrator.RunContext) error {
	if fn.URL() == "" {
		return fmt.Errorf("function %s has no serving URL", def.Name)
	}
	return rc.Put(def.ContextKey, fn.URL())
}

// packageSource zips one embedded source tree. Entries are written in
// lexical order with a pinned timestamp, so the archive bytes and the
// digest derived from them are stable across runs and rebuilds.
func packageSource(dir string) (archive []byte, digest string, err error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err = fs.WalkDir(functionAssets, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := functionAssets.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{
			Name:     strings.TrimPrefix(path, dir+"/"),
			Method:   zip.Deflate,
			Modified: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
