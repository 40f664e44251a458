// Package resolve resolves fork target URIs to downstream destinations
// following RFC 3263: NAPTR to pick a transport, SRV to pick hosts, then
// address lookup. It backs the [appserver.TargetResolver] capability.
package resolve

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/telscale/edgecore/appserver"
	"github.com/telscale/edgecore/internal/errorutil"
)

// ErrNoTarget is returned when a URI resolves to no usable destination.
const ErrNoTarget errorutil.Error = "no target resolved"

const defaultSIPPort = 5060

// naptrService maps NAPTR service fields to transport protocols.
var naptrService = map[string]string{
	"SIP+D2U": "udp",
	"SIP+D2T": "tcp",
}

// Resolver resolves SIP URIs via DNS.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g. "10.0.0.2:53").
	// If empty, the system's resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for raw DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

var _ appserver.TargetResolver = (*Resolver)(nil)

// ResolveTarget implements [appserver.TargetResolver].
//
// A URI with a numeric host or an explicit port skips the NAPTR/SRV walk
// and resolves the address directly with UDP as the default transport.
func (r *Resolver) ResolveTarget(ctx context.Context, uri string) ([]appserver.Target, error) {
	host, port := splitURI(uri)
	if host == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("uri %q", uri))
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if port == 0 {
			port = defaultSIPPort
		}
		return []appserver.Target{{Proto: "udp", Addr: netip.AddrPortFrom(addr.Unmap(), port)}}, nil
	}
	if port != 0 {
		return errtrace.Wrap2(r.lookupTargets(ctx, "udp", host, port))
	}

	// RFC 3263: NAPTR chooses the transport, its replacement names the SRV.
	naptrs, err := r.lookupNAPTR(ctx, host)
	if err == nil {
		for _, rec := range naptrs {
			proto, ok := naptrService[strings.ToUpper(rec.Service)]
			if !ok || !strings.EqualFold(rec.Flags, "s") {
				continue
			}
			if targets, err := r.srvTargets(ctx, proto, rec.Replacement); err == nil && len(targets) > 0 {
				return targets, nil
			}
		}
	}

	// No usable NAPTR; try the conventional SRV name, then a bare lookup.
	if targets, err := r.srvTargets(ctx, "udp", "_sip._udp."+host); err == nil && len(targets) > 0 {
		return targets, nil
	}
	return errtrace.Wrap2(r.lookupTargets(ctx, "udp", host, defaultSIPPort))
}

func (r *Resolver) srvTargets(ctx context.Context, proto, name string) ([]appserver.Target, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, "", "", strings.TrimSuffix(name, "."))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	var targets []appserver.Target
	for _, srv := range srvs {
		tgts, err := r.lookupTargets(ctx, proto, strings.TrimSuffix(srv.Target, "."), srv.Port)
		if err != nil {
			continue
		}
		targets = append(targets, tgts...)
	}
	if len(targets) == 0 {
		return nil, ErrNoTarget //errtrace:skip
	}
	return targets, nil
}

func (r *Resolver) lookupTargets(ctx context.Context, proto, host string, port uint16) ([]appserver.Target, error) {
	ips, err := r.Resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	targets := make([]appserver.Target, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			targets = append(targets, appserver.Target{
				Proto: proto,
				Addr:  netip.AddrPortFrom(addr.Unmap(), port),
			})
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoTarget //errtrace:skip
	}
	return targets, nil
}

// lookupNAPTR queries NAPTR records for the given host, sorted by Order
// then Preference (RFC 3403).
func (r *Resolver) lookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*dns.NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, rr)
		}
	}
	slices.SortFunc(recs, func(a, b *dns.NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// splitURI extracts host and port from a SIP URI, tolerating the forms
// "sip:user@host:port;params" and bare "host:port". Port 0 means absent.
func splitURI(uri string) (string, uint16) {
	s := uri
	if i := strings.IndexByte(s, ':'); i >= 0 && (strings.HasPrefix(strings.ToLower(s), "sip:") || strings.HasPrefix(strings.ToLower(s), "sips:")) {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	for _, sep := range []byte{';', '?'} {
		if i := strings.IndexByte(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return s, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
