package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// HashURL creates a SHA256 hash of a URL string.
// Used for cache keys where the raw URL is unsafe as a key.
func HashURL(rawURL string) string {
	h := sha256.New()
	h.Write([]byte(rawURL))
	return hex.EncodeToString(h.Sum(nil))
}

// ProductID derives the stable product identifier for a source URL:
// "P" followed by the first eight upper-cased hex digits of its MD5.
func ProductID(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return "P" + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}

// ValidateURL parses rawURL and requires both a scheme and a host.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q needs both scheme and host", rawURL)
	}
	return u, nil
}

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
// Protocol-relative references ("//cdn/x.jpg") inherit the base scheme.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(strings.TrimSpace(relative))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relURL).String(), nil
}
