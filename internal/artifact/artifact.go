// Package artifact validates PDF payloads and destination files.
package artifact

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Magic is the signature every valid artifact starts with.
var Magic = []byte("%PDF")

// Verdict classifies a response payload.
type Verdict int

const (
	// Ok means the payload starts with the artifact signature.
	Ok Verdict = iota
	// NotArtifact means the payload lacks the signature and nothing
	// suggests an interstitial; retrying the same URL is unlikely to help.
	NotArtifact
	// Intercepted means the provider answered with a markup page instead
	// of the file, typically a confirmation step that a token re-fetch
	// can bypass.
	Intercepted
)

func (v Verdict) String() string {
	switch v {
	case Ok:
		return "ok"
	case NotArtifact:
		return "not_artifact"
	case Intercepted:
		return "intercepted"
	default:
		return "unknown"
	}
}

// Validate inspects the declared content type and the first payload bytes.
func Validate(contentType string, prefix []byte) Verdict {
	if bytes.HasPrefix(prefix, Magic) {
		return Ok
	}

	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return Intercepted
	}
	if bytes.HasPrefix(prefix, []byte("<!DOCTYPE")) || bytes.HasPrefix(prefix, []byte("<html")) {
		return Intercepted
	}

	return NotArtifact
}

// CheckExisting reports whether path already holds a valid artifact: it
// exists, is readable, starts with the signature, and is larger than
// minSize. A file that exists but fails any check is deleted so a stale or
// truncated download never blocks a clean re-fetch. Safe to call
// concurrently on distinct paths.
func CheckExisting(path string, minSize int64) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}

	if info.Size() <= minSize {
		removeInvalid(path, "below size floor")
		return 0, false
	}

	f, err := os.Open(path)
	if err != nil {
		removeInvalid(path, "unreadable")
		return 0, false
	}
	defer f.Close()

	head := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, Magic) {
		removeInvalid(path, "bad signature")
		return 0, false
	}

	return info.Size(), true
}

func removeInvalid(path, reason string) {
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove invalid file", "path", path, "reason", reason, "error", err)
		return
	}
	slog.Info("removed invalid existing file", "path", path, "reason", reason)
}
