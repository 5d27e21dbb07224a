package fetch

import "regexp"

// Interstitial pages embed the value that unlocks the real download either
// as a confirm parameter or, on newer pages, as a uuid. Patterns are tried
// in order; the first match wins.
var confirmPatterns = []*regexp.Regexp{
	regexp.MustCompile(`href="[^"]*[?&]confirm=([^&"]+)`),
	regexp.MustCompile(`"downloadUrl":"[^"]*[?&]confirm=([^&"]+)`),
	regexp.MustCompile(`confirm=([A-Za-z0-9_-]+)`),
}

var uuidPattern = regexp.MustCompile(`uuid=([^&"]+)`)

// extractToken searches an interstitial page for a confirmation token and
// returns it as a ready "key=value" query fragment.
func extractToken(page []byte) (string, bool) {
	for _, p := range confirmPatterns {
		if m := p.FindSubmatch(page); m != nil {
			return "confirm=" + string(m[1]), true
		}
	}
	if m := uuidPattern.FindSubmatch(page); m != nil {
		return "uuid=" + string(m[1]), true
	}
	return "", false
}
