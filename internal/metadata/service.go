// Package metadata implements the cloud-init metadata service guests
// contact during first boot, and the phone-home callback the scheduler
// blocks on.
package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/tic-hefr/ipd/internal/hypervisor"
)

// KeyName is the label under which the scheduler key is published to
// guests.
const KeyName = "ipd"

// userData is the cloud-config document served to every guest. The
// phone_home hook is what closes the rendezvous loop.
const userData = `#cloud-config

hostname: %[1]s
fqdn: %[1]s.vm.ipd
manage_etc_hosts: true

phone_home:
 url: http://169.254.169.254/instancedata
 tries: 2
`

// Store is the slice of the state store the metadata server uses.
type Store interface {
	PutInstanceData(ctx context.Context, uuid string, fields map[string]string) error
	InstanceData(ctx context.Context, uuid string) (map[string]string, error)
}

// Hypervisor opens connections to one libvirt host.
type Hypervisor interface {
	Connect(ctx context.Context) (hypervisor.Conn, error)
}

// Metadata is the identity served to one guest.
type Metadata struct {
	UUID     string
	Name     string
	Hostname string
	// PublicKeys maps key names to OpenSSH-encoded public keys. Today
	// it holds the scheduler key under KeyName.
	PublicKeys map[string]string
}

// Service resolves guest identity against the hypervisors and reads and
// writes rendezvous records. It never touches the scheduler.
type Service struct {
	store       Store
	hypervisors map[string]Hypervisor
	publicKey   string
}

// NewService creates a Service publishing the given scheduler key.
func NewService(store Store, hypervisors map[string]Hypervisor, key ssh.PublicKey) *Service {
	return &Service{
		store:       store,
		hypervisors: hypervisors,
		publicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
	}
}

// MetadataFor identifies the guest (host, uuid) against its hypervisor.
// The hostname is the domain name; the phone-home record is not needed,
// so metadata GETs work before the guest has reported in.
func (s *Service) MetadataFor(ctx context.Context, host string, domainUUID uuid.UUID) (*Metadata, error) {
	dom, err := s.lookupDomain(ctx, host, domainUUID)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		UUID:     domainUUID.String(),
		Name:     dom.Name,
		Hostname: dom.Name,
		PublicKeys: map[string]string{
			KeyName: s.publicKey,
		},
	}, nil
}

// UserDataFor renders the cloud-config document for the guest.
func (s *Service) UserDataFor(ctx context.Context, host string, domainUUID uuid.UUID) (string, error) {
	dom, err := s.lookupDomain(ctx, host, domainUUID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(userData, dom.Name), nil
}

// InstanceData returns the raw rendezvous record for operators.
func (s *Service) InstanceData(ctx context.Context, domainUUID string) (map[string]string, error) {
	return s.store.InstanceData(ctx, domainUUID)
}

// PhoneHome stores the guest-reported phase-2 fields in one write, which
// is what makes the status transition atomic for the scheduler's poll.
func (s *Service) PhoneHome(ctx context.Context, domainUUID string, fields map[string]string) error {
	return s.store.PutInstanceData(ctx, domainUUID, fields)
}

type domainIdentity struct {
	Name string
}

func (s *Service) lookupDomain(ctx context.Context, host string, domainUUID uuid.UUID) (*domainIdentity, error) {
	hv, ok := s.hypervisors[host]
	if !ok {
		return nil, fmt.Errorf("unknown hypervisor %q", host)
	}

	conn, err := hv.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dom, err := conn.DomainLookupByUUID(domainUUID)
	if err != nil {
		return nil, err
	}
	return &domainIdentity{Name: dom.Name}, nil
}
