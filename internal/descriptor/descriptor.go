// Package descriptor renders the per-build libvirt XML documents from the
// base-image templates kept in the scheduler workdir.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
)

// DomainNotFoundError reports a base image whose descriptor pair is not
// seeded in the workdir.
type DomainNotFoundError struct {
	Base string
}

func (e *DomainNotFoundError) Error() string {
	return fmt.Sprintf("base domain %q has no descriptor pair", e.Base)
}

// Workdir locates the descriptor templates:
//
//	<root>/base-vm/pool.xml
//	<root>/domains/<base>.xml
//	<root>/volumes/<base>.xml
type Workdir struct {
	Root string
}

func (w Workdir) domainPath(base string) string {
	return filepath.Join(w.Root, "domains", base+".xml")
}

func (w Workdir) volumePath(base string) string {
	return filepath.Join(w.Root, "volumes", base+".xml")
}

// PoolXML returns the storage pool descriptor used when the build pool is
// missing on a hypervisor.
func (w Workdir) PoolXML() (string, error) {
	data, err := os.ReadFile(filepath.Join(w.Root, "base-vm", "pool.xml"))
	if err != nil {
		return "", fmt.Errorf("read pool descriptor: %w", err)
	}
	return string(data), nil
}

// Render loads the descriptor pair for base and produces the domain and
// volume documents for one instance: the instance name replaces the
// template name, the disk points at the instance volume and the graphics
// device gets the per-build VNC password.
func (w Workdir) Render(base, name, vncPasswd string) (domainXML, volumeXML string, err error) {
	domData, derr := os.ReadFile(w.domainPath(base))
	volData, verr := os.ReadFile(w.volumePath(base))
	if derr != nil || verr != nil {
		return "", "", &DomainNotFoundError{Base: base}
	}

	domainXML, err = renderDomain(domData, name, vncPasswd)
	if err != nil {
		return "", "", fmt.Errorf("domain descriptor %s: %w", base, err)
	}
	volumeXML, err = renderVolume(volData, name)
	if err != nil {
		return "", "", fmt.Errorf("volume descriptor %s: %w", base, err)
	}
	return domainXML, volumeXML, nil
}

func renderDomain(data []byte, name, vncPasswd string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", err
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("empty document")
	}

	el := root.FindElement("name")
	if el == nil {
		return "", fmt.Errorf("missing name element")
	}
	el.SetText(name)

	if src := root.FindElement("devices/disk/source"); src != nil {
		src.CreateAttr("volume", name)
	}
	if vncPasswd != "" {
		if gfx := root.FindElement("devices/graphics"); gfx != nil {
			gfx.CreateAttr("passwd", vncPasswd)
		}
	}

	return doc.WriteToString()
}

func renderVolume(data []byte, name string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", err
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("empty document")
	}

	el := root.FindElement("name")
	if el == nil {
		return "", fmt.Errorf("missing name element")
	}
	el.SetText(name)

	return doc.WriteToString()
}
