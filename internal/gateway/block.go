package gateway

import (
	"net/http"
	"strings"
)

// blockStatusCodes are response statuses treated as anti-bot rejections.
var blockStatusCodes = map[int]bool{
	http.StatusForbidden:          true, // 403
	http.StatusProxyAuthRequired:  true, // 407
	http.StatusTooManyRequests:    true, // 429
	http.StatusServiceUnavailable: true, // 503
}

// blockBodyPatterns are matched case-insensitively against the first
// bodyInspectLimit bytes of a plain-HTTP response body.
var blockBodyPatterns = []string{
	"cloudflare",
	"captcha",
	"access denied",
	"blocked",
	"unusual traffic",
	"rate limit",
	"banned",
	"forbidden",
}

// bodyInspectLimit caps how much of the response body is scanned.
const bodyInspectLimit = 64 << 10

// blockVerdict describes why a response was judged blocked.
type blockVerdict struct {
	Blocked bool
	Reason  string
}

// detectBlock inspects a plain-HTTP response head and body prefix.
// CONNECT tunnels are opaque and never reach this.
func detectBlock(resp *http.Response, bodyPrefix []byte) blockVerdict {
	if blockStatusCodes[resp.StatusCode] {
		return blockVerdict{Blocked: true, Reason: "status " + resp.Status}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			path := redirectPath(loc)
			if strings.Contains(path, "challenge") || strings.Contains(path, "captcha") {
				return blockVerdict{Blocked: true, Reason: "challenge redirect"}
			}
		}
	}

	body := strings.ToLower(string(bodyPrefix))
	for _, pat := range blockBodyPatterns {
		if strings.Contains(body, pat) {
			return blockVerdict{Blocked: true, Reason: "body pattern \"" + pat + "\""}
		}
	}
	return blockVerdict{}
}

// redirectPath extracts the lowercased path of a Location value, tolerating
// relative URLs.
func redirectPath(loc string) string {
	loc = strings.ToLower(loc)
	if i := strings.Index(loc, "://"); i >= 0 {
		loc = loc[i+3:]
		if j := strings.IndexByte(loc, '/'); j >= 0 {
			loc = loc[j:]
		} else {
			return ""
		}
	}
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	return loc
}
