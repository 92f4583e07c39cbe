// Package artifact implements the Artifact Gateway (C4): a bounded
// filesystem surface that resolves and streams the files a preflight run
// referenced, never letting a caller escape the configured artifact root.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
)

// Kind enumerates the artifact kinds §4.3 names.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSemantic   Kind = "semantic"
	KindManifest   Kind = "manifest"
	KindPreflight  Kind = "preflight"
	KindUnifiedCSV Kind = "unified_csv"
)

var allKinds = []Kind{KindValidation, KindSemantic, KindManifest, KindPreflight, KindUnifiedCSV}

// Gateway resolves artifact paths for a registry record and streams them,
// confined to a single allowed root.
type Gateway struct {
	allowedRoot   string
	maxFileSizeMB int64
}

// New creates a Gateway rooted at artifactRoot, canonicalising it once.
func New(artifactRoot string, maxFileSizeMB int64) (*Gateway, error) {
	root, err := filepath.Abs(artifactRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact root: %w", err)
	}
	root, err = filepath.EvalSymlinks(ensureExists(root))
	if err != nil {
		return nil, fmt.Errorf("canonicalising artifact root: %w", err)
	}
	return &Gateway{allowedRoot: root, maxFileSizeMB: maxFileSizeMB}, nil
}

// ensureExists creates the root directory if absent so EvalSymlinks has
// something to resolve on a fresh deployment.
func ensureExists(root string) string {
	_ = os.MkdirAll(root, 0o755)
	return root
}

// ArtifactInfo is one row of listArtifacts' response.
type ArtifactInfo struct {
	ArtifactType Kind   `json:"artifact_type"`
	Available    bool   `json:"available"`
	Path         string `json:"path,omitempty"`
}

// ListArtifacts reports, for every kind, whether a resolvable file exists.
func (g *Gateway) ListArtifacts(rec db.PreflightRun) ([]ArtifactInfo, error) {
	out := make([]ArtifactInfo, 0, len(allKinds))
	for _, kind := range allKinds {
		path, err := g.resolve(rec, kind)
		info := ArtifactInfo{ArtifactType: kind}
		if err == nil {
			info.Available = true
			info.Path = path
		}
		out = append(out, info)
	}
	return out, nil
}

// LoadJSON resolves and parses a JSON-kind artifact. kind must not be
// unified_csv.
func (g *Gateway) LoadJSON(rec db.PreflightRun, kind Kind) (map[string]any, error) {
	if kind == KindUnifiedCSV {
		return nil, apperr.Payload("kind %q is not a JSON artifact", kind)
	}

	path, err := g.resolve(rec, kind)
	if err != nil {
		if kind == KindSemantic {
			if obj, ferr := g.semanticFallback(rec); ferr == nil {
				return obj, nil
			}
		}
		return nil, err
	}

	raw, err := g.readBounded(path)
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperr.Payload("artifact %q is not a JSON object: %v", kind, err)
	}
	return obj, nil
}

// semanticFallback implements §4.3 step 6: when no standalone semantic file
// exists, fall back to the nested semantic_quality block in the manifest, or
// the semantic block in the preflight artifact.
func (g *Gateway) semanticFallback(rec db.PreflightRun) (map[string]any, error) {
	if path, err := g.resolve(rec, KindManifest); err == nil {
		if raw, rerr := g.readBounded(path); rerr == nil {
			var doc map[string]any
			if json.Unmarshal(raw, &doc) == nil {
				if nested, ok := doc["semantic_quality"].(map[string]any); ok {
					return nested, nil
				}
			}
		}
	}
	if path, err := g.resolve(rec, KindPreflight); err == nil {
		if raw, rerr := g.readBounded(path); rerr == nil {
			var doc map[string]any
			if json.Unmarshal(raw, &doc) == nil {
				if nested, ok := doc["semantic"].(map[string]any); ok {
					return nested, nil
				}
			}
		}
	}
	return nil, apperr.NotFound("no semantic artifact available")
}

// ResolveDownload resolves the on-disk path and content type for a
// download, without reading the file into memory.
func (g *Gateway) ResolveDownload(rec db.PreflightRun, kind Kind) (path, contentType string, err error) {
	path, err = g.resolve(rec, kind)
	if err != nil {
		if kind == KindSemantic {
			// A synthesized semantic fallback has no single on-disk file;
			// downloads of a fallback aren't representable as a stream.
			return "", "", apperr.NotFound("no standalone semantic artifact available for download")
		}
		return "", "", err
	}
	if kind == KindUnifiedCSV {
		return path, "text/csv; charset=utf-8", nil
	}
	return path, "application/json; charset=utf-8", nil
}

// Stream copies the resolved artifact's bytes to w, enforcing
// max_file_size_mb.
func (g *Gateway) Stream(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Internal(err, "opening artifact")
	}
	defer f.Close()

	limit := g.maxFileSizeMB * 1024 * 1024
	n, err := io.Copy(w, io.LimitReader(f, limit+1))
	if err != nil {
		return apperr.Internal(err, "streaming artifact")
	}
	if n > limit {
		return apperr.Payload("artifact exceeds max_file_size_mb")
	}
	return nil
}

// readBounded reads a file fully, enforcing max_file_size_mb.
func (g *Gateway) readBounded(path string) ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Stream(&buf, path); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// resolve implements the full §4.3 algorithm for one (record, kind) pair.
func (g *Gateway) resolve(rec db.PreflightRun, kind Kind) (string, error) {
	if rec.ArtifactDir == nil || *rec.ArtifactDir == "" {
		return "", apperr.NotFound("run has no artifact_dir recorded")
	}

	artifactDir, err := canonicalize(*rec.ArtifactDir)
	if err != nil {
		return "", apperr.Access("artifact_dir does not resolve to an existing directory")
	}
	if !isDescendant(g.allowedRoot, artifactDir) {
		return "", apperr.Access("artifact_dir is outside the configured artifact root")
	}

	candidates := g.candidatesFor(rec, artifactDir, kind)

	seen := map[string]bool{}
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true

		abs, err := canonicalize(c)
		if err != nil {
			continue // candidate doesn't exist; try the next
		}
		if !isDescendant(artifactDir, abs) || !isDescendant(g.allowedRoot, abs) {
			return "", apperr.Access("artifact path escapes the artifact directory")
		}
		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		return abs, nil
	}

	return "", apperr.NotFound("no %s artifact available", kind)
}

// candidatesFor builds the ordered candidate list for one kind: the
// record's named field(s) first, then summary_json.paths.<kind> as a
// fallback, then a conventional filename inside artifact_dir.
func (g *Gateway) candidatesFor(rec db.PreflightRun, artifactDir string, kind Kind) []string {
	var out []string

	switch kind {
	case KindValidation:
		if rec.ValidationReportPath != nil {
			out = append(out, *rec.ValidationReportPath)
		}
		out = append(out, pathFromSummary(rec.SummaryJSON, "validation"))
		out = append(out, filepath.Join(artifactDir, "validation_report.json"))
	case KindManifest:
		if rec.ManifestPath != nil {
			out = append(out, *rec.ManifestPath)
		}
		out = append(out, pathFromSummary(rec.SummaryJSON, "manifest"))
		out = append(out, filepath.Join(artifactDir, "manifest.json"))
	case KindSemantic:
		out = append(out, pathFromSummary(rec.SummaryJSON, "semantic"))
		out = append(out, filepath.Join(artifactDir, "semantic_report.json"))
	case KindPreflight:
		out = append(out, pathFromSummary(rec.SummaryJSON, "preflight"))
		out = append(out, filepath.Join(artifactDir, "preflight_report.json"))
	case KindUnifiedCSV:
		if rec.UsedUnified {
			out = append(out, rec.UsedInputPath)
		}
		out = append(out, pathFromSummary(rec.SummaryJSON, "unified_csv"))
		out = append(out, filepath.Join(artifactDir, "unified.csv"))
	}

	return out
}

// pathFromSummary reads summary_json.paths.<key> when present.
func pathFromSummary(summary []byte, key string) string {
	if len(summary) == 0 {
		return ""
	}
	var doc struct {
		Paths map[string]string `json:"paths"`
	}
	if json.Unmarshal(summary, &doc) != nil {
		return ""
	}
	return doc.Paths[key]
}

// canonicalize resolves p to an absolute, symlink-free path. It errors if
// the path (or a parent) doesn't exist.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// isDescendant reports whether target is root itself or nested under it.
func isDescendant(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	sep := string(filepath.Separator)
	return len(rel) >= 2 && rel[:2] == ".." && (len(rel) == 2 || rel[2:3] == sep)
}
