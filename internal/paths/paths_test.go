package paths

import (
	"path/filepath"
	"testing"
)

func TestDatabase(t *testing.T) {
	want := filepath.Join("/var/lib/apexd", "metadata.db")
	if got := Database("/var/lib/apexd"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDataDirLayout(t *testing.T) {
	if got := Workspaces(); filepath.Base(got) != "workspaces" {
		t.Fatalf("expected workspaces directory, got %s", got)
	}
	if got := Artifacts(); filepath.Base(got) != "artifacts" {
		t.Fatalf("expected artifacts directory, got %s", got)
	}
}
