package testflags

import (
	"flag"
	"testing"
)

// Test enablement flags.
// Unit and integration tests run by default; functional and slow tests must be asked for.
var functionalTest = flag.Bool("functional", false, "Run the functional go tests")
var integrationTest = flag.Bool("integration", true, "Run the integration go tests")
var unitTest = flag.Bool("unit", true, "Run the unit go tests")
var slowTest = flag.Bool("slow", false, "Run tests that evaluate long time proofs")

// FunctionalTest runs the test it is called from iff the `-functional` flag
// is passed to `go test`. The test runs in parallel.
func FunctionalTest(t *testing.T) {
	if !*functionalTest {
		t.SkipNow()
	}
	t.Parallel()
}

// IntegrationTest runs the test it is called from iff the `-integration` flag
// is set (the default). Integration tests wire several packages together, e.g.
// an engine syncing from a peer. The test runs in parallel.
func IntegrationTest(t *testing.T) {
	if !*integrationTest || testing.Short() {
		t.SkipNow()
	}
	t.Parallel()
}

// UnitTest runs the test it is called from iff the `-unit` or `-short` flag
// is passed to `go test`. The test runs in parallel.
func UnitTest(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
	t.Parallel()
}

// SlowTest runs the test iff `-slow` is passed. Use it for time proofs with
// iteration counts far above the devnet defaults.
func SlowTest(t *testing.T) {
	if !*slowTest {
		t.SkipNow()
	}
	t.Parallel()
}

// BadUnitTestWithSideEffects behaves like UnitTest but runs serially. Tests
// that touch process-global state (opencensus view registration, log levels)
// use it.
func BadUnitTestWithSideEffects(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
}
