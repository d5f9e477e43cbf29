// Package amqpurl parses the bridge's AMQP source URLs. The grammar is
// deliberately narrow:
//
//	("amqp"/"amqps") "://" [ user [":" password] "@" ] (host / "[" ipv6 "]") [ ":" port ] [ path ]
//
// A hand-written scanner is used rather than net/url or a regexp: the
// grammar is small, the failure modes (unterminated bracket, missing
// host, missing path) are easiest to report precisely by scanning
// left-to-right, and net/url's userinfo/host handling does not
// distinguish "no port" from "port 0" the way callers here need.
package amqpurl

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the port used when a URL of the given scheme specifies
// none.
var DefaultPort = map[string]int{
	"amqp":  5672,
	"amqps": 5671,
}

// URL is the parsed form of an AMQP source URL.
type URL struct {
	Scheme   string // "amqp" or "amqps"
	User     string // empty if absent
	Password string // empty if absent
	Host     string // brackets stripped for IPv6 literals
	Port     int    // DefaultPort[Scheme] if absent from the URL
	Address  string // path segment beginning with "/"
}

// Parse scans s against the grammar above. It fails when either the host
// or the address cannot be extracted, or when an opened IPv6 bracket is
// never closed.
func Parse(s string) (*URL, error) {
	scheme, rest, err := scanScheme(s)
	if err != nil {
		return nil, err
	}

	u := &URL{Scheme: scheme, Port: DefaultPort[scheme]}

	// Optional "user[:password]@" prefix. Scan to the first '@' that
	// appears before any '/' (no escape sequences are recognized); if
	// the '/' arrives first, there is no userinfo.
	if at := indexBefore(rest, '@', '/'); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			u.User = userinfo[:colon]
			u.Password = userinfo[colon+1:]
		} else {
			u.User = userinfo
		}
	}

	host, rest, err := scanHost(rest)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("amqpurl: missing host in %q", s)
	}
	u.Host = host

	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		end := strings.IndexByte(rest, '/')
		portStr := rest
		if end >= 0 {
			portStr = rest[:end]
			rest = rest[end:]
		} else {
			rest = ""
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("amqpurl: invalid port %q in %q", portStr, s)
		}
		u.Port = port
	}

	if rest == "" {
		return nil, fmt.Errorf("amqpurl: missing address in %q", s)
	}
	u.Address = rest
	return u, nil
}

// scanScheme splits "amqp://..." / "amqps://..." into scheme and the
// remainder following "://".
func scanScheme(s string) (scheme, rest string, err error) {
	const sep = "://"
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", fmt.Errorf("amqpurl: missing scheme in %q", s)
	}
	scheme = s[:idx]
	if scheme != "amqp" && scheme != "amqps" {
		return "", "", fmt.Errorf("amqpurl: unrecognized scheme %q", scheme)
	}
	return scheme, s[idx+len(sep):], nil
}

// scanHost consumes either a bracketed IPv6 literal or a plain
// host/hostname, returning the host (brackets stripped) and the
// unconsumed remainder (which starts with ":" or "/" or is empty).
func scanHost(s string) (host, rest string, err error) {
	if strings.HasPrefix(s, "[") {
		// The closing bracket must arrive before any path separator;
		// a '/' seen first means the literal was never terminated
		// (or the content isn't a literal at all) and the URL is
		// rejected rather than guessed at.
		end := strings.IndexAny(s, "]/")
		if end < 0 || s[end] != ']' {
			return "", "", fmt.Errorf("amqpurl: unterminated IPv6 literal in %q", s)
		}
		return s[1:end], s[end+1:], nil
	}
	end := len(s)
	if colon := strings.IndexByte(s, ':'); colon >= 0 && colon < end {
		end = colon
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 && slash < end {
		end = slash
	}
	return s[:end], s[end:], nil
}

// indexBefore returns the index of the first occurrence of target in s
// that occurs strictly before the first occurrence of boundary, or -1 if
// target does not occur before boundary (including when target is
// altogether absent).
func indexBefore(s string, target, boundary byte) int {
	b := strings.IndexByte(s, boundary)
	t := strings.IndexByte(s, target)
	if t < 0 {
		return -1
	}
	if b >= 0 && t > b {
		return -1
	}
	return t
}
