package netgen

import "net"

// isExternalAddress rejects every non-routable-to-a-real-peer range so the
// generator never mistakes a local or carrier-internal address for a
// genuine external peer, per spec §4.7. Checked against the full range,
// not just a leading octet.
func isExternalAddress(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	for _, r := range reservedRanges {
		if r.Contains(ip) {
			return false
		}
	}
	return true
}

var reservedRanges = mustParseCIDRs(
	"100.64.0.0/10",   // CGNAT (RFC 6598)
	"198.18.0.0/15",   // benchmarking (RFC 2544)
	"192.0.2.0/24",    // TEST-NET-1 (RFC 5737)
	"198.51.100.0/24", // TEST-NET-2 (RFC 5737)
	"203.0.113.0/24",  // TEST-NET-3 (RFC 5737)
	"192.0.0.0/24",    // IETF protocol assignments (RFC 6890)
	"192.88.99.0/24",  // 6to4 relay anycast, deprecated (RFC 7526)
	"2001:db8::/32",   // documentation (RFC 3849)
	"2002::/16",       // 6to4 (RFC 3056), not a real external peer
	"64:ff9b::/96",    // NAT64 well-known prefix (RFC 6052)
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("netgen: invalid reserved CIDR literal " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// resolveEndpointIP resolves a host:port endpoint's IP for external-address
// validation without opening a connection.
func resolveEndpointIP(endpoint string) (net.IP, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		return a, nil
	}
	return nil, net.InvalidAddrError("no addresses for " + host)
}
