package main

import (
	"fmt"
	"net/url"
	"strings"
)

// filenameDenylist is removed from titles before they become path segments.
const filenameDenylist = `\/*?:"<>|`

var filenameReplacer = strings.NewReplacer(
	`\`, "",
	"/", "",
	"*", "",
	"?", "",
	":", "",
	`"`, "",
	"<", "",
	">", "",
	"|", "",
)

// sanitizeFilename strips the denylisted characters and nothing else. The
// result may be empty, and whitespace, control characters, trailing dots and
// reserved device names pass through untouched.
func sanitizeFilename(name string) string {
	return filenameReplacer.Replace(name)
}

// checkMediaURL rejects anything yt-dlp should not be handed: non-http(s)
// schemes would let it read local files.
func checkMediaURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// contentDisposition builds an attachment header. Non-ASCII names get an
// ASCII fallback plus an RFC 5987 filename* parameter.
func contentDisposition(name string) string {
	ascii := true
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		return fmt.Sprintf(`attachment; filename="%s"`, name)
	}

	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)
	encoded := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, fallback, encoded)
}
