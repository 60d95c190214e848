package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers whose forwarding headers are believed.
// A nil set trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-address entries. Blank entries are
// skipped; an input with none left yields a nil set.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

func (t *TrustedProxies) contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Client identifies the caller for audit logs. Proxied is set when IP came
// from a forwarding header relayed by a trusted peer; Peer is always the
// direct connection's address.
type Client struct {
	IP      string
	Peer    string
	Proxied bool
}

// LogAttrs renders c as slog key/value pairs.
func (c Client) LogAttrs() []any {
	attrs := []any{"ip", c.IP}
	if c.Proxied {
		attrs = append(attrs, "peer_ip", c.Peer)
	}
	return attrs
}

// ResolveClient works out who is calling. Forwarding headers are read only
// when the direct peer is trusted; X-Forwarded-For is walked right to left to
// the first untrusted hop, with X-Real-IP as the fallback.
func ResolveClient(r *http.Request, trusted *TrustedProxies) Client {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		raw := strings.TrimSpace(r.RemoteAddr)
		return Client{IP: raw, Peer: raw}
	}
	c := Client{IP: peer.String(), Peer: peer.String()}
	if !trusted.contains(peer) {
		return c
	}
	if hops := forwardedHops(r.Header.Get("X-Forwarded-For")); len(hops) > 0 {
		chain := append(hops, peer)
		client := chain[0]
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.contains(chain[i]) {
				client = chain[i]
				break
			}
		}
		if client != peer {
			c.IP, c.Proxied = client.String(), true
		}
		return c
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		c.IP, c.Proxied = realIP.Unmap().String(), true
	}
	return c
}

func forwardedHops(raw string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(raw, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
