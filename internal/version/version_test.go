package version

import "testing"

func TestCurrent(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	info := Current()
	if info.Version != "1.2.3" {
		t.Errorf("Version = %q", info.Version)
	}
	if got, want := info.String(), "wastesort 1.2.3 (unknown, built unknown)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
