package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beevik/etree"
)

const domainTemplate = `<domain type="kvm">
  <name>ubuntu</name>
  <memory unit="MiB">2048</memory>
  <devices>
    <disk type="volume" device="disk">
      <source pool="ipd-images" volume="ubuntu"/>
      <target dev="vda" bus="virtio"/>
    </disk>
    <interface type="bridge">
      <source bridge="br0"/>
    </interface>
    <graphics type="vnc" port="-1" autoport="yes"/>
  </devices>
</domain>
`

const volumeTemplate = `<volume type="file">
  <name>ubuntu</name>
  <capacity unit="GiB">10</capacity>
  <backingStore>
    <path>/var/lib/libvirt/images/ubuntu-base.qcow2</path>
  </backingStore>
</volume>
`

const poolTemplate = `<pool type="dir">
  <name>ipd-images</name>
  <target>
    <path>/var/lib/libvirt/images</path>
  </target>
</pool>
`

func newTestWorkdir(t *testing.T) Workdir {
	t.Helper()
	root := t.TempDir()
	for dir, file := range map[string]string{
		"domains": domainTemplate,
		"volumes": volumeTemplate,
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, "ubuntu.xml"), []byte(file), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "base-vm"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "base-vm", "pool.xml"), []byte(poolTemplate), 0o644); err != nil {
		t.Fatal(err)
	}
	return Workdir{Root: root}
}

func TestRender(t *testing.T) {
	w := newTestWorkdir(t)

	domXML, volXML, err := w.Render("ubuntu", "webapp-7", "s3cret")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	dom := etree.NewDocument()
	if err := dom.ReadFromString(domXML); err != nil {
		t.Fatalf("rendered domain does not parse: %v", err)
	}
	if got := dom.Root().FindElement("name").Text(); got != "webapp-7" {
		t.Errorf("domain name = %q, want webapp-7", got)
	}
	src := dom.Root().FindElement("devices/disk/source")
	if got := src.SelectAttrValue("volume", ""); got != "webapp-7" {
		t.Errorf("disk source volume = %q, want webapp-7", got)
	}
	gfx := dom.Root().FindElement("devices/graphics")
	if got := gfx.SelectAttrValue("passwd", ""); got != "s3cret" {
		t.Errorf("graphics passwd = %q, want s3cret", got)
	}

	vol := etree.NewDocument()
	if err := vol.ReadFromString(volXML); err != nil {
		t.Fatalf("rendered volume does not parse: %v", err)
	}
	if got := vol.Root().FindElement("name").Text(); got != "webapp-7" {
		t.Errorf("volume name = %q, want webapp-7", got)
	}
	if vol.Root().FindElement("backingStore/path") == nil {
		t.Error("volume backing store dropped during render")
	}
}

func TestRenderNoPassword(t *testing.T) {
	w := newTestWorkdir(t)

	domXML, _, err := w.Render("ubuntu", "webapp-7", "")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	dom := etree.NewDocument()
	if err := dom.ReadFromString(domXML); err != nil {
		t.Fatal(err)
	}
	gfx := dom.Root().FindElement("devices/graphics")
	if got := gfx.SelectAttrValue("passwd", ""); got != "" {
		t.Errorf("graphics passwd = %q, want unset", got)
	}
}

func TestRenderUnknownBase(t *testing.T) {
	w := newTestWorkdir(t)

	_, _, err := w.Render("debian", "webapp-7", "")
	var nf *DomainNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Render error = %v, want DomainNotFoundError", err)
	}
	if nf.Base != "debian" {
		t.Errorf("Base = %q, want debian", nf.Base)
	}
}

func TestPoolXML(t *testing.T) {
	w := newTestWorkdir(t)

	xml, err := w.PoolXML()
	if err != nil {
		t.Fatalf("PoolXML: %v", err)
	}
	if xml != poolTemplate {
		t.Errorf("PoolXML = %q, want template verbatim", xml)
	}
}

func TestParseDomainInfo(t *testing.T) {
	desc := `<domain type="kvm" id="12">
  <name>webapp-7</name>
  <uuid>0481bd62-3092-4b26-8d06-c7bf5e1f48a6</uuid>
  <devices>
    <interface type="bridge">
      <mac address="52:54:00:aa:bb:cc"/>
    </interface>
    <graphics type="vnc" port="5901" autoport="yes" passwd="s3cret"/>
  </devices>
</domain>`

	info, err := ParseDomainInfo(desc)
	if err != nil {
		t.Fatalf("ParseDomainInfo: %v", err)
	}
	if info.UUID != "0481bd62-3092-4b26-8d06-c7bf5e1f48a6" {
		t.Errorf("UUID = %q", info.UUID)
	}
	if info.MACAddress != "52:54:00:aa:bb:cc" {
		t.Errorf("MACAddress = %q", info.MACAddress)
	}
	if info.VNCPort != "5901" {
		t.Errorf("VNCPort = %q", info.VNCPort)
	}
}

func TestParseDomainInfoNoUUID(t *testing.T) {
	if _, err := ParseDomainInfo(`<domain><name>x</name></domain>`); err == nil {
		t.Fatal("expected error for description without uuid")
	}
}

func TestGeneratePassword(t *testing.T) {
	p := GeneratePassword(32)
	if len(p) != 32 {
		t.Fatalf("len = %d, want 32", len(p))
	}
	for _, c := range p {
		if !strings.ContainsRune(passwordChars, c) {
			t.Errorf("unexpected character %q", c)
		}
	}
	if GeneratePassword(32) == p {
		t.Error("two generated passwords are identical")
	}
}
