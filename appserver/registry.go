package appserver

import (
	"strings"

	"braces.dev/errtrace"

	"github.com/telscale/edgecore/internal/errorutil"
)

// ErrDuplicateService is returned when two services register the same name.
const ErrDuplicateService errorutil.Error = "duplicate service name"

// Registry maps service names to application services. It is populated
// during startup and read-only thereafter, so lookups take no lock.
type Registry struct {
	services map[string]AppServer
}

// NewRegistry creates a registry seeded with the given services.
func NewRegistry(services ...AppServer) (*Registry, error) {
	reg := &Registry{services: make(map[string]AppServer, len(services))}
	for _, as := range services {
		name := strings.ToLower(as.ServiceName())
		if name == "" {
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty service name"))
		}
		if _, ok := reg.services[name]; ok {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrDuplicateService, name))
		}
		reg.services[name] = as
	}
	return reg, nil
}

// Lookup returns the service registered under the name, nil if unknown.
// Names are matched case-insensitively.
func (reg *Registry) Lookup(name string) AppServer {
	if reg == nil {
		return nil
	}
	return reg.services[strings.ToLower(name)]
}

// ResolveServiceName extracts the service name from a filter-criterion
// host of the form "<service>.<home-domain>". It returns false when the
// host does not belong to the home domain.
func ResolveServiceName(host, homeDomain string) (string, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	homeDomain = strings.ToLower(strings.TrimSuffix(homeDomain, "."))
	if homeDomain == "" {
		return "", false
	}
	service, ok := strings.CutSuffix(host, "."+homeDomain)
	if !ok || service == "" || strings.Contains(service, ".") {
		return "", false
	}
	return service, true
}
