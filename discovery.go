package remotelogger

import (
	"context"

	"github.com/backkem/go-remotelogger/mdns"
)

// Registrar publishes a service record.
type Registrar interface {
	Register(instance, service, domain string, port int, text []string) (Registration, error)
}

// Registration withdraws a published record on Shutdown.
type Registration interface {
	Shutdown()
}

// Resolver browses for a service type. It sends the complete set of visible
// instances on out whenever it changes and blocks until ctx is done or
// browsing fails.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, out chan<- []mdns.ServiceRecord) error
}

type zeroconfRegistrar struct {
	mdns.Registrar
}

func (r zeroconfRegistrar) Register(instance, service, domain string, port int, text []string) (Registration, error) {
	s, err := r.Registrar.Register(instance, service, domain, port, text)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AdvertiserInfo is a discovered peer.
type AdvertiserInfo struct {
	Name        string
	ServiceType string
	Domain      string
	// EndpointKey identifies the endpoint within the current result set.
	EndpointKey string
}

func advertiserInfo(r mdns.ServiceRecord) AdvertiserInfo {
	return AdvertiserInfo{
		Name:        r.Instance,
		ServiceType: r.Service,
		Domain:      r.Domain,
		EndpointKey: r.InstanceName(),
	}
}
