// Package resolver maps catalog source URLs to the URL that actually serves
// the artifact bytes. Every provider quirk lives in the rule table here so
// the retry engine stays provider-agnostic.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Provider identifies which rule claimed a source URL.
type Provider string

const (
	ProviderDrive     Provider = "drive"
	ProviderEGovCloud Provider = "egovcloud"
	ProviderGeneric   Provider = "generic"
)

// ErrNoFileID is returned when a Drive URL carries no recognizable file id.
// This is a permanent failure: no retry will make the id appear.
var ErrNoFileID = errors.New("resolver: no file id pattern matched")

// Resolution is the outcome of classifying a source URL.
type Resolution struct {
	// URL is the address to fetch.
	URL string
	// Provider names the rule that produced the URL.
	Provider Provider
	// FileID is the provider file identifier, when one was extracted.
	FileID string
	// AltScheme reports that the alternate http/https scheme may be tried
	// as a fallback when the fetch fails at the protocol level.
	AltScheme bool
}

// rule pairs a predicate with the rewrite it enables. Rules are evaluated in
// order; the first match wins. Adding a provider means adding a row.
type rule struct {
	match   func(u *url.URL) bool
	rewrite func(raw string, u *url.URL) (Resolution, error)
}

var driveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/open\?id=([A-Za-z0-9_-]+)`),
}

const shareMarker = "/index.php/s/"

var rules = []rule{
	{
		match: func(u *url.URL) bool {
			h := u.Hostname()
			return h == "drive.google.com" || h == "docs.google.com" || h == "drive.usercontent.google.com"
		},
		rewrite: func(raw string, _ *url.URL) (Resolution, error) {
			id, ok := extractDriveID(raw)
			if !ok {
				return Resolution{}, fmt.Errorf("%w: %s", ErrNoFileID, raw)
			}
			return Resolution{
				URL:      DriveDownloadURL(id),
				Provider: ProviderDrive,
				FileID:   id,
			}, nil
		},
	},
	{
		match: func(u *url.URL) bool {
			return u.Hostname() == "drive.egovcloud.gov.bd"
		},
		rewrite: func(raw string, u *url.URL) (Resolution, error) {
			res := Resolution{URL: raw, Provider: ProviderEGovCloud}
			if strings.Contains(u.Path, shareMarker) && !strings.HasSuffix(u.Path, "/download") {
				res.URL = raw + "/download"
			}
			return res, nil
		},
	},
}

// Resolve classifies sourceURL and returns the URL to fetch. URLs no rule
// claims pass through unchanged as generic HTTP(S) with the alternate-scheme
// hint set.
func Resolve(sourceURL string) (Resolution, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: parse url: %w", err)
	}

	for _, r := range rules {
		if r.match(u) {
			return r.rewrite(sourceURL, u)
		}
	}

	return Resolution{URL: sourceURL, Provider: ProviderGeneric, AltScheme: true}, nil
}

func extractDriveID(raw string) (string, bool) {
	for _, p := range driveIDPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// DriveDownloadURL builds the direct-download form for a Drive file id.
// The confirm=t parameter skips the interstitial for small files; larger
// files still come back as an HTML page that the retry engine resolves with
// an extracted token.
func DriveDownloadURL(fileID string) string {
	return fmt.Sprintf("https://drive.usercontent.google.com/download?id=%s&export=download&confirm=t", fileID)
}

// FlipScheme swaps https for http and vice versa. Used by the retry engine
// as a same-attempt fallback for generic hosts that fail on one scheme.
func FlipScheme(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "http"
	case "http":
		u.Scheme = "https"
	default:
		return "", false
	}
	return u.String(), true
}

// WithToken replaces the confirmation parameter of downloadURL with the
// extracted token, keeping the rest of the request intact. token is a
// "key=value" pair such as "confirm=XYZ" or "uuid=abcd".
func WithToken(downloadURL, token string) (string, error) {
	key, value, ok := strings.Cut(token, "=")
	if !ok {
		return "", fmt.Errorf("resolver: malformed token %q", token)
	}

	u, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("resolver: parse download url: %w", err)
	}

	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
