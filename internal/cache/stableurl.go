package cache

import (
	"net/url"
	"strings"
)

// StableURL strips the expiring parts of a signed URL (query and fragment),
// leaving origin + path. Signed URLs rotate their signature and expiry on every
// request while the path keeps naming the same stored object.
// Strings that are not absolute URLs are returned unchanged.
func StableURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
}
