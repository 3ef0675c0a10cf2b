package realtime

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"
)

var (
	errOriginMissing = errors.New("missing origin")
	errOriginDenied  = errors.New("origin not allowed")
)

// originPolicy decides which browser origins may open a socket.
//
// Allowlist entries match either the full origin ("https://chat.example.com")
// or its host ("chat.example.com", "localhost:3000"). "*" allows any origin.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowlist string) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}),
		hosts:    make(map[string]struct{}),
	}
	for _, entry := range strings.Split(allowlist, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		p.exact[entry] = struct{}{}
		if h := originHost(entry); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errOriginMissing
		}
		return nil
	}
	if p.any {
		return nil
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s", errOriginDenied, origin)
}

// acceptPatterns is the allowlist in the form websocket.AcceptOptions.OriginPatterns
// expects, so the library's own cross-origin check agrees with check. The library
// matches host:port, hence the second pattern per host.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	var out []string
	for _, h := range slices.Sorted(maps.Keys(p.hosts)) {
		out = append(out, h, h+":*")
	}
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
