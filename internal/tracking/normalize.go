package tracking

import (
	"net/url"
	"path"
	"strings"
)

// MaxKeyLength is the longest key a Datastore name can hold.
const MaxKeyLength = 1500

// Normalize maps a page path to a storage key.
//
// The query string and fragment are dropped, percent-escapes are decoded and
// the result is cleaned to an absolute path ("/a/./b/" and "a//b" become
// "/a/b"). That canonical path is then escaped with url.PathEscape, so the key
// contains no '/' and two different canonical paths never share a key.
// Normalize(Normalize(p)) == Normalize(p).
func Normalize(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", newError(KindInvalidInput, raw, errEmptyPath)
	}

	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}

	key := url.PathEscape(path.Clean("/" + p))
	if len(key) > MaxKeyLength {
		return "", newError(KindInvalidInput, raw, errPathTooLong)
	}
	return key, nil
}

// PagePath is the inverse of Normalize for display purposes.
func PagePath(key string) string {
	p, err := url.PathUnescape(key)
	if err != nil {
		return key
	}
	return p
}
