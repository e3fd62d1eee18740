package hypervisor

import (
	"github.com/digitalocean/go-libvirt"
)

// Conn is the set of libvirt operations the scheduler and the metadata
// server consume. Fakes for tests implement the same interface.
type Conn interface {
	StoragePoolLookupByName(name string) (libvirt.StoragePool, error)
	StoragePoolCreateXML(xml string) (libvirt.StoragePool, error)
	StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error)
	StorageVolCreateXML(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error)
	StorageVolDelete(vol libvirt.StorageVol) error
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainLookupByUUID(uuid [16]byte) (libvirt.Domain, error)
	DomainCreateXML(xml string) (libvirt.Domain, error)
	DomainGetXMLDesc(dom libvirt.Domain) (string, error)
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefine(dom libvirt.Domain) error
	ListAllDomains() ([]libvirt.Domain, error)
	SupportsFeature(feature int32) (bool, error)
	Close() error
}

type conn struct {
	host string
	l    *libvirt.Libvirt
	sock interface{ Close() error }
}

func (c *conn) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRemote(err) {
		return &RemoteError{Host: c.host, Op: op, Err: err}
	}
	return &TransportError{Host: c.host, Err: err}
}

func (c *conn) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	pool, err := c.l.StoragePoolLookupByName(name)
	return pool, c.wrap("storage pool lookup", err)
}

func (c *conn) StoragePoolCreateXML(xml string) (libvirt.StoragePool, error) {
	pool, err := c.l.StoragePoolCreateXML(xml, 0)
	return pool, c.wrap("storage pool create", err)
}

func (c *conn) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vol, err := c.l.StorageVolLookupByName(pool, name)
	return vol, c.wrap("storage vol lookup", err)
}

func (c *conn) StorageVolCreateXML(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	vol, err := c.l.StorageVolCreateXML(pool, xml, 0)
	return vol, c.wrap("storage vol create", err)
}

func (c *conn) StorageVolDelete(vol libvirt.StorageVol) error {
	return c.wrap("storage vol delete", c.l.StorageVolDelete(vol, 0))
}

func (c *conn) DomainLookupByName(name string) (libvirt.Domain, error) {
	dom, err := c.l.DomainLookupByName(name)
	return dom, c.wrap("domain lookup", err)
}

func (c *conn) DomainLookupByUUID(uuid [16]byte) (libvirt.Domain, error) {
	dom, err := c.l.DomainLookupByUUID(libvirt.UUID(uuid))
	return dom, c.wrap("domain lookup by uuid", err)
}

func (c *conn) DomainCreateXML(xml string) (libvirt.Domain, error) {
	dom, err := c.l.DomainCreateXML(xml, 0)
	return dom, c.wrap("domain create", err)
}

func (c *conn) DomainGetXMLDesc(dom libvirt.Domain) (string, error) {
	desc, err := c.l.DomainGetXMLDesc(dom, 0)
	return desc, c.wrap("domain xml desc", err)
}

func (c *conn) DomainDestroy(dom libvirt.Domain) error {
	return c.wrap("domain destroy", c.l.DomainDestroy(dom))
}

func (c *conn) DomainUndefine(dom libvirt.Domain) error {
	return c.wrap("domain undefine", c.l.DomainUndefine(dom))
}

func (c *conn) ListAllDomains() ([]libvirt.Domain, error) {
	domains, _, err := c.l.ConnectListAllDomains(1, 0)
	return domains, c.wrap("list domains", err)
}

func (c *conn) SupportsFeature(feature int32) (bool, error) {
	supported, err := c.l.ConnectSupportsFeature(feature)
	return supported != 0, c.wrap("supports feature", err)
}

// Close ends the driver connection and tears down the socket. Safe to call
// after a transport failure.
func (c *conn) Close() error {
	err := c.l.Disconnect()
	if cerr := c.sock.Close(); err == nil {
		err = cerr
	}
	return err
}
