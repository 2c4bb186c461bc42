package fetch

import (
	"path/filepath"
	"testing"
)

func TestSidecarRoundTrip(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "model.safetensors")
	sc := Sidecar{SourceURL: "https://huggingface.co/o/r/resolve/main/m.safetensors", ETag: `"abc"`, TotalSize: 4096}
	if err := WriteSidecar(dest, sc); err != nil {
		t.Fatalf("WriteSidecar failed: %v", err)
	}
	got, ok := LoadSidecar(dest)
	if !ok {
		t.Fatal("sidecar not loaded")
	}
	if got != sc {
		t.Fatalf("round trip mismatch: %+v != %+v", got, sc)
	}
	RemoveSidecar(dest)
	if _, ok := LoadSidecar(dest); ok {
		t.Fatal("sidecar still present after removal")
	}
}

func TestSidecarMissing(t *testing.T) {
	if _, ok := LoadSidecar(filepath.Join(t.TempDir(), "nothing")); ok {
		t.Fatal("loaded a sidecar that does not exist")
	}
}

func TestSidecarMatches(t *testing.T) {
	sc := Sidecar{SourceURL: "https://a", ETag: `"v1"`, TotalSize: 100}
	cases := []struct {
		name  string
		url   string
		etag  string
		total int64
		want  bool
	}{
		{"identical", "https://a", `"v1"`, 100, true},
		{"etag unknown on either side", "https://a", "", 100, true},
		{"different url", "https://b", `"v1"`, 100, false},
		{"remote etag changed", "https://a", `"v2"`, 100, false},
		{"remote size changed", "https://a", `"v1"`, 200, false},
		{"size unknown in response", "https://a", `"v1"`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sc.Matches(tc.url, tc.etag, tc.total); got != tc.want {
				t.Fatalf("Matches(%q, %q, %d) = %v, want %v", tc.url, tc.etag, tc.total, got, tc.want)
			}
		})
	}
}
