package descriptor

import (
	"fmt"

	"github.com/beevik/etree"
)

// DomainInfo is what the lifecycle needs back out of a started domain's
// XML description.
type DomainInfo struct {
	UUID       string
	MACAddress string
	VNCPort    string
}

// ParseDomainInfo extracts uuid, interface MAC and graphics port from a
// live domain description as returned by domain_get_xml_desc.
func ParseDomainInfo(xml string) (*DomainInfo, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parse domain description: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parse domain description: empty document")
	}

	info := &DomainInfo{}

	el := root.FindElement("uuid")
	if el == nil {
		return nil, fmt.Errorf("domain description has no uuid")
	}
	info.UUID = el.Text()

	if mac := root.FindElement("devices/interface/mac"); mac != nil {
		info.MACAddress = mac.SelectAttrValue("address", "")
	}
	if gfx := root.FindElement("devices/graphics"); gfx != nil {
		info.VNCPort = gfx.SelectAttrValue("port", "")
	}

	return info, nil
}
