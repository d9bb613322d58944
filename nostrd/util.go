package nostrd

import (
	"errors"
	"net/url"
	"strings"
)

// NormalizeRelay canonicalizes a relay url: wss scheme by default, lowercase
// host, no trailing slash. Urls that are equal after normalization address
// the same relay.
func NormalizeRelay(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty relay url")
	}

	if !strings.HasPrefix(s, "ws://") &&
		!strings.HasPrefix(s, "wss://") {

		s = "wss://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("relay url has no host")
	}

	u.Host = strings.ToLower(u.Host)
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""

	return strings.TrimSuffix(u.String(), "/"), nil
}

// NormalizeRelays normalizes a relay list, dropping invalid entries and
// duplicates.
func NormalizeRelays(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	relays := make([]string, 0, len(raw))

	for _, r := range raw {
		normalized, err := NormalizeRelay(r)
		if err != nil {
			log.Warnf("Skipping bad relay url %q: %v", r, err)
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}

		seen[normalized] = struct{}{}
		relays = append(relays, normalized)
	}

	return relays
}
