// Package manifest loads the model download manifest and normalizes it into
// a deduplicated list of entries.
//
// Two shapes are accepted: a structured JSON mapping of category name to an
// ordered list of URLs (optionally with checksum and size), and a free-form
// markdown document from which trusted-host model links are scraped. The JSON
// manifest is authoritative: when it exists but is malformed, loading fails
// rather than silently falling back to the markdown scrape.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// JSONName is the structured manifest filename.
	JSONName = "models_download.json"
	// MarkdownName is the legacy prose manifest filename.
	MarkdownName = "comfyui_models_complete_library.md"
)

var (
	// ErrNotFound indicates no manifest exists at any candidate path.
	ErrNotFound = errors.New("manifest not found")
	// ErrParse indicates the structured manifest exists but is malformed.
	ErrParse = errors.New("manifest parse error")
)

// hfLinkPattern matches Hugging Face URLs embedded in prose.
var hfLinkPattern = regexp.MustCompile(`https://huggingface\.co/[^\s\)]+`)

// modelExtensions are the artifact suffixes worth downloading. Links to
// anything else in the markdown (repo pages, READMEs) are ignored.
var modelExtensions = []string{".safetensors", ".ckpt", ".pth", ".bin", ".pt"}

// Entry is one candidate model artifact. Immutable after loading; the
// pipeline assigns Category once via the classifier when the manifest
// carried none.
type Entry struct {
	SourceURL string
	Category  string // manifest category, empty when scraped from markdown
	FileName  string // last path segment of the URL, query stripped
	SHA256    string // optional expected checksum, hex
	SizeBytes int64  // optional expected size, 0 when unknown
}

// Source describes where the manifest was found.
type Source struct {
	Path     string
	Markdown bool
}

// jsonEntry accepts either a bare URL string or an object with integrity
// metadata.
type jsonEntry struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

func (e *jsonEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.URL = s
		return nil
	}
	type raw jsonEntry
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*e = jsonEntry(r)
	return nil
}

// Load locates and parses the manifest. Candidate paths are tried in order:
// the explicit path (when set), then the destination root, then the working
// directory, for the JSON shape first and the markdown shape second.
func Load(explicitPath, destRoot string, logger *slog.Logger) ([]Entry, Source, error) {
	if explicitPath != "" {
		return loadPath(explicitPath, strings.HasSuffix(explicitPath, ".md"), logger)
	}

	jsonPaths := []string{
		filepath.Join(destRoot, JSONName),
		JSONName,
	}
	for _, p := range jsonPaths {
		if fileExists(p) {
			return loadPath(p, false, logger)
		}
	}

	markdownPaths := []string{
		filepath.Join(destRoot, MarkdownName),
		MarkdownName,
	}
	for _, p := range markdownPaths {
		if fileExists(p) {
			return loadPath(p, true, logger)
		}
	}

	return nil, Source{}, fmt.Errorf("%w: tried %v and %v", ErrNotFound,
		jsonPaths, markdownPaths)
}

func loadPath(p string, markdown bool, logger *slog.Logger) ([]Entry, Source, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Source{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, Source{}, fmt.Errorf("read manifest %s: %w", p, err)
	}

	src := Source{Path: p, Markdown: markdown}
	var entries []Entry
	if markdown {
		entries = parseMarkdown(string(data))
	} else {
		entries, err = parseJSON(data, logger)
		if err != nil {
			return nil, src, fmt.Errorf("%w: %s: %v", ErrParse, p, err)
		}
	}

	entries = dedupe(entries)
	logger.Info("manifest loaded", "path", p, "markdown", markdown, "entries", len(entries))
	return entries, src, nil
}

// parseJSON decodes the category → URL-list shape. An entry with a non-HTTPS
// URL is dropped with a warning; it does not fail the whole manifest.
func parseJSON(data []byte, logger *slog.Logger) ([]Entry, error) {
	// Walk the object token by token instead of unmarshaling into a map:
	// categories keep their file order, which dispatch order inherits.
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("manifest root must be an object")
	}

	var entries []Entry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		category, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("category name must be a string, got %v", keyTok)
		}
		var raws []jsonEntry
		if err := dec.Decode(&raws); err != nil {
			return nil, fmt.Errorf("category %q: %v", category, err)
		}
		for _, raw := range raws {
			entry, err := newEntry(raw.URL, strings.TrimSpace(category))
			if err != nil {
				logger.Warn("skipping manifest entry", "url", raw.URL, "reason", err)
				continue
			}
			entry.SHA256 = strings.ToLower(strings.TrimSpace(raw.SHA256))
			entry.SizeBytes = raw.Size
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// parseMarkdown scrapes trusted-host model links out of prose. Only links
// ending in a known model extension survive; trailing punctuation from
// markdown tables is trimmed.
func parseMarkdown(content string) []Entry {
	var entries []Entry
	for _, link := range hfLinkPattern.FindAllString(content, -1) {
		link = strings.TrimRight(link, `.,;|"'`)
		lower := strings.ToLower(link)
		keep := false
		for _, ext := range modelExtensions {
			if strings.Contains(lower, ext) {
				keep = true
				break
			}
		}
		if !keep {
			continue
		}
		entry, err := newEntry(link, "")
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func newEntry(rawURL, category string) (Entry, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Entry{}, errors.New("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid URL: %v", err)
	}
	// Plain http is tolerated only for loopback mirrors.
	if u.Scheme != "https" && !(u.Scheme == "http" && loopbackHost(u.Hostname())) {
		return Entry{}, fmt.Errorf("URL scheme must be https, got %q", u.Scheme)
	}
	name := FileNameFromURL(rawURL)
	if name == "" {
		return Entry{}, errors.New("URL has no file name segment")
	}
	return Entry{SourceURL: rawURL, Category: category, FileName: name}, nil
}

func loopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FileNameFromURL derives the artifact filename from a URL: query parameters
// are stripped (Hugging Face appends ?download=true) and the last path
// segment is returned.
func FileNameFromURL(rawURL string) string {
	clean := rawURL
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// dedupe drops repeated URLs, keeping the first occurrence so manifest order
// stays significant.
func dedupe(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if _, ok := seen[e.SourceURL]; ok {
			continue
		}
		seen[e.SourceURL] = struct{}{}
		out = append(out, e)
	}
	return out
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
