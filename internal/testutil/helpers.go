package testutil

import (
	"os"
	"testing"

	"grimm.is/portguard/internal/brand"
)

// VMTestEnv is set inside the throwaway VM used for kernel tests.
var VMTestEnv = brand.ConfigEnvPrefix + "_VM_TEST"

// RequireVM skips the test unless it runs as root inside the test VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", VMTestEnv)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: must be root")
	}
}
