package metadata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/metrics"
)

// API versions served. New versions register here; "latest" always
// aliases the lexicographically greatest one.
const (
	ec2Version       = "2009-04-04"
	openstackVersion = "2012-08-10"
)

// Handler is the metadata HTTP tree. The root dispatches on the first
// path segment: /openstack, /instancedata, and the EC2 layout for
// everything else.
type Handler struct {
	svc       *Service
	metrics   *metrics.Metrics
	ec2       *versionIndex
	openstack *versionIndex
}

// NewHandler builds the metadata tree. m may be nil.
func NewHandler(svc *Service, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		svc:       svc,
		metrics:   m,
		ec2:       newVersionIndex(ec2Version),
		openstack: newVersionIndex(openstackVersion),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segs := splitPath(r.URL.Path)

	switch {
	case len(segs) > 0 && segs[0] == "openstack":
		h.metrics.MetadataRequests.WithLabelValues("openstack").Inc()
		h.serveOpenstack(w, r, segs[1:])
	case len(segs) > 0 && segs[0] == "instancedata":
		h.metrics.MetadataRequests.WithLabelValues("phone_home").Inc()
		h.serveInstanceData(w, r, segs[1:])
	default:
		h.metrics.MetadataRequests.WithLabelValues("ec2").Inc()
		h.serveEC2(w, r, segs)
	}
}

// identity resolves the guest from the headers the hypervisor-local
// redirector injects.
func (h *Handler) identity(r *http.Request) (host string, domainUUID uuid.UUID, err error) {
	host = r.Header.Get("X-Tenant-ID")
	if host == "" {
		return "", uuid.UUID{}, fmt.Errorf("missing X-Tenant-ID")
	}
	domainUUID, err = uuid.Parse(r.Header.Get("X-Instance-ID"))
	if err != nil {
		return "", uuid.UUID{}, fmt.Errorf("X-Instance-ID: %w", err)
	}
	return host, domainUUID, nil
}

func (h *Handler) serveEC2(w http.ResponseWriter, r *http.Request, segs []string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(segs) == 0 {
		writeText(w, h.ec2.list())
		return
	}
	if _, ok := h.ec2.resolve(segs[0]); !ok {
		http.NotFound(w, r)
		return
	}
	rest := segs[1:]

	if len(rest) == 0 {
		writeText(w, "meta-data/\nuser-data\n")
		return
	}

	host, domainUUID, err := h.identity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case rest[0] == "user-data" && len(rest) == 1:
		doc, err := h.svc.UserDataFor(r.Context(), host, domainUUID)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		writeText(w, doc)

	case rest[0] == "meta-data":
		md, err := h.svc.MetadataFor(r.Context(), host, domainUUID)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		h.serveEC2MetaData(w, r, md, rest[1:])

	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveEC2MetaData(w http.ResponseWriter, r *http.Request, md *Metadata, rest []string) {
	names := keyNames(md)

	switch {
	case len(rest) == 0:
		writeText(w, "hostname\ninstance-id\npublic-keys/\n")

	case rest[0] == "hostname" && len(rest) == 1:
		writeText(w, md.Hostname)

	case rest[0] == "instance-id" && len(rest) == 1:
		writeText(w, md.UUID)

	case rest[0] == "public-keys":
		switch len(rest) {
		case 1:
			var sb strings.Builder
			for i, name := range names {
				fmt.Fprintf(&sb, "%d=%s\n", i, name)
			}
			writeText(w, sb.String())
		case 2:
			if keyAt(names, rest[1]) == "" {
				http.NotFound(w, r)
				return
			}
			writeText(w, "openssh-key\n")
		case 3:
			name := keyAt(names, rest[1])
			if name == "" || rest[2] != "openssh-key" {
				http.NotFound(w, r)
				return
			}
			writeText(w, md.PublicKeys[name])
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveOpenstack(w http.ResponseWriter, r *http.Request, segs []string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(segs) == 0 {
		writeText(w, h.openstack.list())
		return
	}
	if _, ok := h.openstack.resolve(segs[0]); !ok {
		http.NotFound(w, r)
		return
	}
	rest := segs[1:]

	if len(rest) == 0 {
		writeText(w, "meta_data.json\nuser_data\n")
		return
	}

	host, domainUUID, err := h.identity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch rest[0] {
	case "meta_data.json":
		md, err := h.svc.MetadataFor(r.Context(), host, domainUUID)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		doc := struct {
			UUID       string            `json:"uuid"`
			Name       string            `json:"name"`
			Hostname   string            `json:"hostname"`
			PublicKeys map[string]string `json:"public_keys"`
		}{md.UUID, md.Name, md.Hostname, md.PublicKeys}
		writeJSON(w, doc)

	case "user_data":
		doc, err := h.svc.UserDataFor(r.Context(), host, domainUUID)
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		writeText(w, doc)

	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveInstanceData(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		h.servePhoneHome(w, r)

	case r.Method == http.MethodGet && len(rest) == 1:
		data, err := h.svc.InstanceData(r.Context(), rest[0])
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		writeJSON(w, data)

	default:
		http.NotFound(w, r)
	}
}

// servePhoneHome accepts the cloud-init phone_home POST. The response is
// written only after the record is stored, so a scheduler observing
// status=running always sees the full phase-2 record.
func (h *Handler) servePhoneHome(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	instanceID := r.PostFormValue("instance_id")
	hostname := r.PostFormValue("hostname")
	if instanceID == "" || hostname == "" {
		http.Error(w, "instance_id and hostname are required", http.StatusBadRequest)
		return
	}

	fields := map[string]string{
		"hostname": hostname,
		"status":   "running",
	}

	if !r.PostForm.Has("nosetip") {
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			fields["ip_address"] = ip
		}
	}

	for name, values := range r.PostForm {
		if strings.HasPrefix(name, "pub_key_") && len(values) > 0 {
			fields[name] = strings.TrimSpace(values[0])
		}
	}

	if err := h.svc.PhoneHome(r.Context(), instanceID, fields); err != nil {
		h.serverError(w, r, err)
		return
	}

	logging.Op().Info("instance phoned home", "uuid", instanceID, "hostname", hostname, "ip", fields["ip_address"])
	writeText(w, "")
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Op().Error("metadata request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// versionIndex registers API version directories and keeps the "latest"
// alias on the greatest version string.
type versionIndex struct {
	versions []string
	latest   string
}

func newVersionIndex(versions ...string) *versionIndex {
	v := &versionIndex{}
	for _, version := range versions {
		v.register(version)
	}
	return v
}

func (v *versionIndex) register(version string) {
	v.versions = append(v.versions, version)
	sort.Strings(v.versions)
	if version > v.latest {
		v.latest = version
	}
}

func (v *versionIndex) resolve(name string) (string, bool) {
	if name == "latest" && v.latest != "" {
		return v.latest, true
	}
	for _, version := range v.versions {
		if version == name {
			return version, true
		}
	}
	return "", false
}

func (v *versionIndex) list() string {
	names := append([]string{}, v.versions...)
	if v.latest != "" {
		names = append(names, "latest")
	}
	sort.Strings(names)
	return strings.Join(names, "\n") + "\n"
}

func keyNames(md *Metadata) []string {
	names := make([]string, 0, len(md.PublicKeys))
	for name := range md.PublicKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// keyAt maps an EC2 public-keys index segment back to a key name.
func keyAt(names []string, seg string) string {
	var idx int
	if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil {
		return ""
	}
	if idx < 0 || idx >= len(names) {
		return ""
	}
	return names[idx]
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, body)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
