package metrics

import "testing"

func TestRegister_Idempotent(t *testing.T) {
	// Register is called from both binaries' startup paths and from
	// tests; repeated calls must not panic.
	Register()
	Register()
}
