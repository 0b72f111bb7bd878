package cloud

import (
	"context"
	"strings"
	"testing"
	"time"
)

func propagationContext(t *testing.T) (*fakeAccounts, *PropagationStep, string) {
	t.Helper()
	accounts := &fakeAccounts{mintResults: make(map[string][]error)}
	step := NewPropagationStep(accounts, testConfig)
	step.interval = time.Millisecond
	step.attempts = 5
	return accounts, step, AccountEmail("camforge-device-auth", testProject)
}

func TestPropagationStep_WaitsOutDenials(t *testing.T) {
	accounts, step, deviceAuth := propagationContext(t)
	accounts.mintResults[deviceAuth] = []error{denied(), denied()}
	rc := testContext(t,
		KeyDeviceAuthEmail, deviceAuth,
		KeyTokenVendorEmail, AccountEmail("camforge-token-vendor", testProject),
		KeyRuntimeEmail, AccountEmail("camforge-runtime", testProject),
	)

	if err := step.Run(context.Background(), rc, testReporter()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := accounts.mintCalls[deviceAuth]; got != 3 {
		t.Errorf("expected 3 probes for the lagging account, got %d", got)
	}
	if got := accounts.mintCalls[AccountEmail("camforge-runtime", testProject)]; got != 1 {
		t.Errorf("expected 1 probe for a settled account, got %d", got)
	}
}

func TestPropagationStep_ExhaustionFailsTheStep(t *testing.T) {
	accounts, step, deviceAuth := propagationContext(t)
	accounts.mintResults[deviceAuth] = []error{
		denied(), denied(), denied(), denied(), denied(), denied(),
	}
	rc := testContext(t,
		KeyDeviceAuthEmail, deviceAuth,
		KeyTokenVendorEmail, AccountEmail("camforge-token-vendor", testProject),
		KeyRuntimeEmail, AccountEmail("camforge-runtime", testProject),
	)

	err := step.Run(context.Background(), rc, testReporter())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "did not propagate") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := accounts.mintCalls[deviceAuth]; got != 5 {
		t.Errorf("expected the probe budget to be spent, got %d calls", got)
	}
}

func TestPropagationStep_QuotaStopsImmediately(t *testing.T) {
	accounts, step, deviceAuth := propagationContext(t)
	accounts.mintResults[deviceAuth] = []error{quotaExhausted()}
	rc := testContext(t,
		KeyDeviceAuthEmail, deviceAuth,
		KeyTokenVendorEmail, AccountEmail("camforge-token-vendor", testProject),
		KeyRuntimeEmail, AccountEmail("camforge-runtime", testProject),
	)

	err := step.Run(context.Background(), rc, testReporter())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := accounts.mintCalls[deviceAuth]; got != 1 {
		t.Errorf("quota exhaustion must not be re-probed, got %d calls", got)
	}
	if !strings.Contains(err.Error(), "quota") {
		t.Errorf("expected the quota hint, got %v", err)
	}
}

func TestPropagationStep_MissingContextFails(t *testing.T) {
	_, step, _ := propagationContext(t)

	if err := step.Run(context.Background(), testContext(t), testReporter()); err == nil {
		t.Fatal("expected error")
	}
}
