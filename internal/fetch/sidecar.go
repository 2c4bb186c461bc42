package fetch

import (
	"encoding/json"
	"os"
)

const (
	partSuffix    = ".part"
	sidecarSuffix = ".part.json"
)

// Sidecar records what a partial file was downloaded from, so a resume can
// detect that the remote artifact changed underneath it. It lives next to
// the .part file and is removed on completion.
type Sidecar struct {
	SourceURL string `json:"source_url"`
	ETag      string `json:"etag,omitempty"`
	TotalSize int64  `json:"total_size,omitempty"`
}

// LoadSidecar reads the sidecar for destPath. A missing or unreadable
// sidecar returns ok=false; the caller then restarts from zero rather than
// trusting an unattributed partial file.
func LoadSidecar(destPath string) (Sidecar, bool) {
	data, err := os.ReadFile(destPath + sidecarSuffix)
	if err != nil {
		return Sidecar{}, false
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, false
	}
	return sc, true
}

// Matches reports whether a resume against url with the given validators is
// safe. An empty recorded ETag matches anything; a changed ETag or total
// size means the remote file is not the one the partial came from.
func (s Sidecar) Matches(url, etag string, totalSize int64) bool {
	if s.SourceURL != url {
		return false
	}
	if s.ETag != "" && etag != "" && s.ETag != etag {
		return false
	}
	if s.TotalSize > 0 && totalSize > 0 && s.TotalSize != totalSize {
		return false
	}
	return true
}

// WriteSidecar persists the sidecar for destPath.
func WriteSidecar(destPath string, sc Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath+sidecarSuffix, data, 0644)
}

// RemoveSidecar deletes the sidecar for destPath, ignoring absence.
func RemoveSidecar(destPath string) {
	_ = os.Remove(destPath + sidecarSuffix)
}
