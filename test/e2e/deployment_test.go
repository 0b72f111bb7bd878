package e2e

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/oauth2"

	"github.com/camforge/camforge/internal/artifacts"
	"github.com/camforge/camforge/internal/cloud"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/orchestrator"
	"github.com/camforge/camforge/internal/orchestrator/plan"
	"github.com/camforge/camforge/internal/platform/gcloud"
	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/retry"
	"github.com/camforge/camforge/internal/state"
)

const (
	testProject    = "acme-prod"
	testRegion     = "europe-west1"
	testLicenseKey = "HKQ3-72ML-9WXP-54RZ"
)

// fastRetry keeps backoff out of the test clock. Polls against the
// fakes succeed on their first attempt, so only genuine retries pay
// the millisecond.
var fastRetry = []retry.Option{
	retry.WithMaxAttempts(3),
	retry.WithBaseDelay(time.Millisecond),
	retry.WithMaxDelay(time.Millisecond),
	retry.WithJitter(func(time.Duration) time.Duration { return 0 }),
}

var _ = Describe("Provisioning a deployment", func() {
	var (
		cp     *controlPlane
		hub    *progress.Hub
		store  *state.Store
		cfg    cloud.Config
		engine *orchestrator.Engine
	)

	BeforeEach(func() {
		cp = newControlPlane()
		DeferCleanup(cp.close)

		hub = progress.NewHub()

		var err error
		store, err = state.Open(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = store.Close() })

		cfg = cloud.Config{
			Project:         testProject,
			Region:          testRegion,
			PropagationPoll: time.Millisecond,
		}
	})

	controlPlaneClient := func() *gcloud.Client {
		tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "e2e-token"})
		return gcloud.NewClient(tokens,
			gcloud.WithBaseURL(cp.url()),
			gcloud.WithRateLimit(1000, 1000),
		)
	}

	newEngine := func(handlers ...orchestrator.Handler) *orchestrator.Engine {
		e, err := orchestrator.New(orchestrator.Config{
			Store:        store,
			Hub:          hub,
			Handlers:     handlers,
			RetryOptions: fastRetry,
		})
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	cloudOnlyPlan := func() *plan.Plan {
		p, err := cloud.BuildPlanFor(func(key string) bool { return key != cloud.StepDevices })
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	newRunContext := func() *orchestrator.RunContext {
		rc := orchestrator.NewRunContext()
		Expect(rc.Put(orchestrator.ProjectKey, testProject)).To(Succeed())
		return rc
	}

	// packageStore lays one fleetos11/aarch64 package into a temp
	// artifact cache and returns the store plus the payload bytes.
	packageStore := func() (*artifacts.Store, []byte) {
		dir := GinkgoT().TempDir()
		payload := []byte("camforge edge application payload")
		sum := sha256.Sum256(payload)
		file := "camforge-edge_2.4.1_aarch64.eap"
		Expect(os.WriteFile(filepath.Join(dir, file), payload, 0o644)).To(Succeed())

		pkgs, err := artifacts.New(dir, &artifacts.Manifest{Packages: []artifacts.Package{{
			Name:         "camforge-edge",
			Version:      "2.4.1",
			OSClass:      "fleetos11",
			Architecture: "aarch64",
			File:         file,
			SHA256:       hex.EncodeToString(sum[:]),
		}}})
		Expect(err).NotTo(HaveOccurred())
		return pkgs, payload
	}

	deviceStep := func(camera *fakeCamera, pkgs *artifacts.Store) orchestrator.Handler {
		step, err := cloud.NewDeviceStep(cfg, cloud.DeviceFleet{
			Ranges:            []string{"127.0.0.1"},
			Credentials:       protocol.Credentials{Username: "root", Password: "hunter2"},
			Port:              camera.port(),
			LicenseKey:        testLicenseKey,
			Packages:          pkgs,
			Concurrency:       4,
			ProbeTimeout:      500 * time.Millisecond,
			ScanBudget:        10 * time.Second,
			SettleDelay:       time.Millisecond,
			LicenseRetryDelay: time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		return step
	}

	// awaitTerminal drains a subscription until the run-level terminal
	// event arrives. Step completions are terminal too; only an event
	// with no step is the run's own verdict.
	awaitTerminal := func(sub *progress.Subscription) progress.Event {
		timeout := time.After(10 * time.Second)
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					Fail("event stream closed before a terminal event")
				}
				if ev.Step == "" && ev.Terminal() {
					return ev
				}
			case <-timeout:
				Fail("timed out waiting for a terminal event")
			}
		}
	}

	stepsByKey := func(run *state.Run) map[string]state.StepState {
		out := make(map[string]state.StepState, len(run.Steps))
		for _, st := range run.Steps {
			out[st.Key] = st
		}
		return out
	}

	It("provisions the backend and the fleet in one run", func() {
		camera := newFakeCamera("root", "hunter2")
		DeferCleanup(camera.close)
		pkgs, payload := packageStore()

		handlers := append(cloud.Steps(controlPlaneClient(), cfg), deviceStep(camera, pkgs))
		engine = newEngine(handlers...)

		p, err := cloud.BuildPlan()
		Expect(err).NotTo(HaveOccurred())

		runID, err := engine.Start(context.Background(), p, newRunContext())
		Expect(err).NotTo(HaveOccurred())

		sub := hub.Subscribe(context.Background(), runID, 0)
		defer sub.Close()

		Expect(engine.Wait(runID)).To(Succeed())

		run, err := engine.State(context.Background(), runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusCompleted))
		Expect(run.Error).To(BeEmpty())

		// Every step finished, and no step started before every one of
		// its dependencies had finished.
		steps := stepsByKey(run)
		for _, ps := range run.Plan {
			st := steps[ps.Key]
			Expect(st.Status).To(Equal(state.StepCompleted), ps.Key)
			Expect(st.StartedAt).NotTo(BeNil(), ps.Key)
			Expect(st.FinishedAt).NotTo(BeNil(), ps.Key)
			for _, dep := range ps.DependsOn {
				depState := steps[dep]
				Expect(depState.FinishedAt).NotTo(BeNil(), dep)
				Expect(st.StartedAt.Before(*depState.FinishedAt)).To(BeFalse(),
					fmt.Sprintf("step %s started before its dependency %s finished", ps.Key, dep))
			}
		}

		// The gateway's coordinates flowed through the run context.
		Expect(run.Values[cloud.KeyGatewayHost]).To(Equal("camforge-gateway-e2e.gateway.dev"))
		Expect(run.Values[cloud.KeyDeviceAuthURL]).NotTo(BeEmpty())
		Expect(run.Values[cloud.KeyTokenVendorURL]).NotTo(BeEmpty())

		// IAM grants landed on the runtime identity.
		runtime := "serviceAccount:" + cloud.AccountEmail("camforge-runtime", testProject)
		Expect(cp.hasBinding("roles/datastore.owner", runtime)).To(BeTrue())
		Expect(cp.hasBinding("roles/storage.objectViewer", runtime)).To(BeTrue())

		// The camera received the gateway coordinates, the package
		// bytes, and the real license key.
		settings := camera.pushedSettings()
		Expect(settings["gatewayUrl"]).To(Equal("https://camforge-gateway-e2e.gateway.dev"))
		Expect(settings["apiKey"]).To(Equal("gw-key-camforge-gateway-key"))
		Expect(settings["projectRef"]).To(Equal(testProject))
		Expect(camera.installedBytes()).To(Equal(payload))
		Expect(camera.activatedKey()).To(Equal(testLicenseKey))

		Expect(run.Devices).To(HaveLen(1))
		outcome := run.Devices[0]
		Expect(outcome.Status).To(Equal("success"))
		Expect(outcome.License).To(Equal("success"))
		Expect(outcome.Model).To(Equal("CF-2105"))
		Expect(outcome.Firmware).To(Equal("11.9.60"))
		Expect(outcome.Address).To(ContainSubstring("127.0.0.1"))

		terminal := awaitTerminal(sub)
		Expect(terminal.Status).To(Equal(progress.StatusCompleted))
	})

	It("retries transient control-plane failures until they clear", func() {
		cp.createAccount503 = 2
		engine = newEngine(cloud.Steps(controlPlaneClient(), cfg)...)

		runID, err := engine.Start(context.Background(), cloudOnlyPlan(), newRunContext())
		Expect(err).NotTo(HaveOccurred())
		Expect(engine.Wait(runID)).To(Succeed())

		run, err := engine.State(context.Background(), runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusCompleted))

		// Two attempts burned on the scripted 503s, the third went
		// through. The re-runs re-checked before re-creating, so only
		// the third attempt created all three accounts.
		Expect(stepsByKey(run)[cloud.StepAccounts].Attempts).To(Equal(3))
		Expect(cp.accountCreateCount()).To(Equal(5))
	})

	It("stops on the first fatal control-plane answer", func() {
		cp.quotaService = "cloudfunctions.googleapis.com"
		engine = newEngine(cloud.Steps(controlPlaneClient(), cfg)...)

		runID, err := engine.Start(context.Background(), cloudOnlyPlan(), newRunContext())
		Expect(err).NotTo(HaveOccurred())

		err = engine.Wait(runID)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(cloud.StepAPIs))

		run, stateErr := engine.State(context.Background(), runID)
		Expect(stateErr).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusFailed))

		apis := stepsByKey(run)[cloud.StepAPIs]
		Expect(apis.Status).To(Equal(state.StepFailed))
		Expect(apis.Attempts).To(Equal(1), "a quota refusal must not be retried")
		Expect(apis.LastError).NotTo(BeEmpty())
	})

	It("pauses at a step boundary and resumes without repeating work", func() {
		cp.listGate = make(chan struct{})
		engine = newEngine(cloud.Steps(controlPlaneClient(), cfg)...)

		runID, err := engine.Start(context.Background(), cloudOnlyPlan(), newRunContext())
		Expect(err).NotTo(HaveOccurred())

		// Ask for a pause while the first step is mid-flight, then let
		// the step finish. The engine must complete it and stop there.
		Eventually(cp.listStarted, "5s").Should(BeClosed())
		Expect(engine.Pause(context.Background(), runID)).To(Succeed())
		close(cp.listGate)
		Expect(engine.Wait(runID)).To(Succeed())

		run, err := engine.State(context.Background(), runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusPaused))
		steps := stepsByKey(run)
		Expect(steps[cloud.StepAPIs].Status).To(Equal(state.StepCompleted))
		Expect(steps[cloud.StepAccounts].Status).To(Equal(state.StepPending))

		Expect(engine.Resume(context.Background(), runID)).To(Succeed())
		Expect(engine.Wait(runID)).To(Succeed())

		run, err = engine.State(context.Background(), runID)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusCompleted))

		// The service inventory was not listed again: the completed
		// step was skipped, not replayed.
		Expect(cp.listCallCount()).To(Equal(1))
		Expect(cp.accountCreateCount()).To(Equal(3))
	})

	It("fails the run when a license is bound to another device", func() {
		camera := newFakeCamera("root", "hunter2")
		DeferCleanup(camera.close)
		camera.failLicense("already_bound")
		pkgs, _ := packageStore()

		handlers := append(cloud.Steps(controlPlaneClient(), cfg), deviceStep(camera, pkgs))
		engine = newEngine(handlers...)

		p, err := cloud.BuildPlan()
		Expect(err).NotTo(HaveOccurred())

		runID, err := engine.Start(context.Background(), p, newRunContext())
		Expect(err).NotTo(HaveOccurred())

		err = engine.Wait(runID)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("block"))

		run, stateErr := engine.State(context.Background(), runID)
		Expect(stateErr).NotTo(HaveOccurred())
		Expect(run.Status).To(Equal(state.StatusFailed))

		Expect(run.Devices).To(HaveLen(1))
		Expect(run.Devices[0].License).To(Equal("failed"))
		Expect(camera.activatedKey()).To(BeEmpty(),
			"a bound license must not be re-activated elsewhere")
	})
})
