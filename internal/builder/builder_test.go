package builder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tic-hefr/ipd/internal/buildspec"
	"github.com/tic-hefr/ipd/internal/descriptor"
	"github.com/tic-hefr/ipd/internal/hypervisor"
	"github.com/tic-hefr/ipd/internal/projects"
	"github.com/tic-hefr/ipd/internal/store"
)

const sampleSpec = `base_domain: ubuntu
install:
  - apt-get update
start:
  - make test
`

type fakeBuildStore struct {
	mu        sync.Mutex
	nextID    int64
	builds    map[int64]*store.Build
	instances map[string]map[string]string

	panicOnGet map[int64]bool
}

func newFakeBuildStore() *fakeBuildStore {
	return &fakeBuildStore{
		builds:     make(map[int64]*store.Build),
		instances:  make(map[string]map[string]string),
		panicOnGet: make(map[int64]bool),
	}
}

func (s *fakeBuildStore) NextBuildID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *fakeBuildStore) PutBuild(ctx context.Context, b *store.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *fakeBuildStore) GetBuild(ctx context.Context, id int64) (*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnGet[id] {
		panic(fmt.Sprintf("poisoned build %d", id))
	}
	b, ok := s.builds[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *fakeBuildStore) SetBuildStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.Status = status
	}
	return nil
}

func (s *fakeBuildStore) Builds(ctx context.Context) ([]*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Build, 0, len(s.builds))
	for id := int64(1); id <= s.nextID; id++ {
		if b, ok := s.builds[id]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeBuildStore) PutInstanceData(ctx context.Context, uuid string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.instances[uuid]
	if rec == nil {
		rec = make(map[string]string)
		s.instances[uuid] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

func (s *fakeBuildStore) InstanceData(ctx context.Context, uuid string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.instances[uuid] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeBuildStore) InstanceStatus(ctx context.Context, uuid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[uuid]["status"], nil
}

func (s *fakeBuildStore) RemoveInstanceData(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, uuid)
	return nil
}

func (s *fakeBuildStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		return b.Status
	}
	return ""
}

func (s *fakeBuildStore) counter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

type fakeProjects struct {
	repos map[string]string
}

func (p *fakeProjects) Get(ctx context.Context, key string) (*projects.Project, error) {
	repo, ok := p.repos[key]
	if !ok {
		return nil, &projects.NotFoundError{Key: key}
	}
	return &projects.Project{Repo: repo}, nil
}

// fakeHV fails every connection attempt and records how many are in
// flight at once.
type fakeHV struct {
	mu        sync.Mutex
	active    int
	maxActive int
	connects  int
}

func (h *fakeHV) Connect(ctx context.Context) (hypervisor.Conn, error) {
	h.mu.Lock()
	h.active++
	h.connects++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	h.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	return nil, errors.New("hypervisor offline")
}

// newTestWorkdir seeds descriptor templates for base domain "ubuntu".
func newTestWorkdir(t *testing.T) descriptor.Workdir {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"domains/ubuntu.xml": `<domain type="kvm"><name>ubuntu</name><devices><graphics type="vnc" port="-1"/></devices></domain>`,
		"volumes/ubuntu.xml": `<volume><name>ubuntu</name></volume>`,
		"base-vm/pool.xml":   `<pool type="dir"><name>ipd-images</name></pool>`,
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return descriptor.Workdir{Root: root}
}

// newSpecServer serves sampleSpec for commit abc123 of project "webapp"
// and 404s every other path.
func newSpecServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/webapp/abc123/"+buildspec.SpecPath {
			w.Write([]byte(sampleSpec))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// newTestBuilder wires a Builder against an in-memory store and a
// buildspec server for project "webapp".
func newTestBuilder(t *testing.T, hvs map[string]Hypervisor, opts Options) (*Builder, *fakeBuildStore) {
	t.Helper()

	ts := newSpecServer(t)
	st := newFakeBuildStore()
	prj := &fakeProjects{repos: map[string]string{"webapp": ts.URL + "/webapp"}}

	if opts.Workdir.Root == "" {
		opts.Workdir = newTestWorkdir(t)
	}
	opts.HTTPClient = ts.Client()

	return New(st, prj, hvs, opts), st
}

func waitStatus(t *testing.T, st *fakeBuildStore, id int64, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if st.status(id) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("build %d status = %q, want %q", id, st.status(id), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduleBuild(t *testing.T) {
	b, st := newTestBuilder(t, map[string]Hypervisor{"kvm1": &fakeHV{}}, Options{})

	ref, err := b.ScheduleBuild(context.Background(), "webapp", "abc123")
	if err != nil {
		t.Fatalf("ScheduleBuild: %v", err)
	}
	if ref != "webapp-1" {
		t.Errorf("ref = %q, want webapp-1", ref)
	}

	build, err := st.GetBuild(context.Background(), 1)
	if err != nil || build == nil {
		t.Fatalf("GetBuild: %v, %v", build, err)
	}
	if build.Status != store.StatusWaiting {
		t.Errorf("status = %q, want waiting", build.Status)
	}
	if build.ProjectKey != "webapp" || build.CommitID != "abc123" {
		t.Errorf("build = %+v", build)
	}
	spec, err := buildspec.Parse([]byte(build.Buildspec))
	if err != nil {
		t.Fatalf("persisted buildspec does not parse: %v", err)
	}
	if spec.BaseDomain != "ubuntu" {
		t.Errorf("BaseDomain = %q", spec.BaseDomain)
	}
	if len(b.builds) != 1 {
		t.Errorf("queue depth = %d, want 1", len(b.builds))
	}
}

func TestScheduleBuildMissingBuildspec(t *testing.T) {
	b, st := newTestBuilder(t, map[string]Hypervisor{"kvm1": &fakeHV{}}, Options{})

	_, err := b.ScheduleBuild(context.Background(), "webapp", "no-such-commit")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, buildspec.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	// A failed admission must not consume a build id.
	if got := st.counter(); got != 0 {
		t.Errorf("build counter = %d, want 0", got)
	}
	if len(b.builds) != 0 {
		t.Errorf("queue depth = %d, want 0", len(b.builds))
	}
}

func TestScheduleBuildUnknownProject(t *testing.T) {
	b, st := newTestBuilder(t, map[string]Hypervisor{"kvm1": &fakeHV{}}, Options{})

	_, err := b.ScheduleBuild(context.Background(), "ghost", "abc123")
	var nf *projects.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
	if got := st.counter(); got != 0 {
		t.Errorf("build counter = %d, want 0", got)
	}
}

func TestRunSingleSlotSerializesBuilds(t *testing.T) {
	hv := &fakeHV{}
	b, st := newTestBuilder(t, map[string]Hypervisor{"kvm1": hv}, Options{})

	for i := 0; i < 3; i++ {
		if _, err := b.ScheduleBuild(context.Background(), "webapp", "abc123"); err != nil {
			t.Fatalf("ScheduleBuild: %v", err)
		}
	}

	go b.Run(context.Background())

	for id := int64(1); id <= 3; id++ {
		waitStatus(t, st, id, store.StatusFailed)
	}

	b.StopBuilding()
	b.WaitBuilds()

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if hv.connects != 3 {
		t.Errorf("connects = %d, want 3", hv.connects)
	}
	if hv.maxActive != 1 {
		t.Errorf("max concurrent connections = %d, want 1 for a single slot", hv.maxActive)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	b, st := newTestBuilder(t, map[string]Hypervisor{"kvm1": &fakeHV{}}, Options{})

	if _, err := b.ScheduleBuild(context.Background(), "webapp", "abc123"); err != nil {
		t.Fatalf("ScheduleBuild: %v", err)
	}
	if _, err := b.ScheduleBuild(context.Background(), "webapp", "abc123"); err != nil {
		t.Fatalf("ScheduleBuild: %v", err)
	}
	st.mu.Lock()
	st.panicOnGet[1] = true
	st.mu.Unlock()

	go b.Run(context.Background())

	// The panicked build forfeits its slot cleanly and the next one
	// still gets processed.
	waitStatus(t, st, 2, store.StatusFailed)

	b.StopBuilding()
	b.WaitBuilds()
}

// gateHV blocks its first connection until released, holding the slot.
type gateHV struct {
	entered chan struct{}
	release chan struct{}
}

func (h *gateHV) Connect(ctx context.Context) (hypervisor.Conn, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return nil, errors.New("hypervisor offline")
}

func TestStopBuildingFullQueue(t *testing.T) {
	hv := &gateHV{entered: make(chan struct{}, 1), release: make(chan struct{})}
	b, _ := newTestBuilder(t, map[string]Hypervisor{"kvm1": hv}, Options{QueueDepth: 1})
	ctx := context.Background()

	if _, err := b.ScheduleBuild(ctx, "webapp", "abc123"); err != nil {
		t.Fatalf("ScheduleBuild: %v", err)
	}
	go b.Run(ctx)
	<-hv.entered

	// The only slot is held, so these fill the queue to capacity.
	for i := 0; i < 2; i++ {
		if _, err := b.ScheduleBuild(ctx, "webapp", "abc123"); err != nil {
			t.Fatalf("ScheduleBuild: %v", err)
		}
	}

	// The pairing loop exits on the host sentinel without consuming
	// from the full queue; StopBuilding must still return.
	stopped := make(chan struct{})
	go func() {
		b.StopBuilding()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopBuilding blocked with a full queue")
	}

	close(hv.release)
	b.WaitBuilds()
}

func TestStopBuildingIdle(t *testing.T) {
	b, _ := newTestBuilder(t, map[string]Hypervisor{"kvm1": &fakeHV{}}, Options{})

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	b.StopBuilding()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate after StopBuilding")
	}

	// StopBuilding is idempotent.
	b.StopBuilding()
}
