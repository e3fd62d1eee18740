// Package builder pairs admitted builds with free hypervisor slots and
// drives the instance lifecycle for each pair.
package builder

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tic-hefr/ipd/internal/buildspec"
	"github.com/tic-hefr/ipd/internal/descriptor"
	"github.com/tic-hefr/ipd/internal/hypervisor"
	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/metrics"
	"github.com/tic-hefr/ipd/internal/observability"
	"github.com/tic-hefr/ipd/internal/projects"
	"github.com/tic-hefr/ipd/internal/store"
)

// Shutdown sentinels. No hypervisor key is empty and build ids start at 1.
const (
	hostSentinel  = ""
	buildSentinel = int64(-1)
)

// Store is the slice of the state store the builder uses.
type Store interface {
	NextBuildID(ctx context.Context) (int64, error)
	PutBuild(ctx context.Context, b *store.Build) error
	GetBuild(ctx context.Context, id int64) (*store.Build, error)
	SetBuildStatus(ctx context.Context, id int64, status string) error
	Builds(ctx context.Context) ([]*store.Build, error)
	PutInstanceData(ctx context.Context, uuid string, fields map[string]string) error
	InstanceData(ctx context.Context, uuid string) (map[string]string, error)
	InstanceStatus(ctx context.Context, uuid string) (string, error)
	RemoveInstanceData(ctx context.Context, uuid string) error
}

// Projects is the slice of the registry the builder uses for admission.
type Projects interface {
	Get(ctx context.Context, key string) (*projects.Project, error)
}

// Hypervisor opens connections to one libvirt host.
type Hypervisor interface {
	Connect(ctx context.Context) (hypervisor.Conn, error)
}

// Options carries the tunables and collaborators of a Builder.
type Options struct {
	Workdir       descriptor.Workdir
	Signer        ssh.Signer
	SSHUser       string
	SSHTimeout    time.Duration
	PhoneHomeWait time.Duration
	QueueDepth    int
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
}

// Builder owns the hypervisor slot pool and the pending build queue.
// Each configured hypervisor key is in the pool exactly once; a lifecycle
// task owns its slot for the duration of one build and the completion
// handler returns it on every exit path.
type Builder struct {
	store       Store
	projects    Projects
	hypervisors map[string]Hypervisor

	workdir       descriptor.Workdir
	signer        ssh.Signer
	sshUser       string
	sshTimeout    time.Duration
	phoneHomeWait time.Duration
	httpClient    *http.Client
	metrics       *metrics.Metrics

	hosts  chan string
	builds chan int64

	stopOnce sync.Once
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates a Builder with the slot pool preloaded.
func New(s Store, p Projects, hypervisors map[string]Hypervisor, opts Options) *Builder {
	if opts.SSHUser == "" {
		opts.SSHUser = "ubuntu"
	}
	if opts.SSHTimeout == 0 {
		opts.SSHTimeout = 30 * time.Second
	}
	if opts.PhoneHomeWait == 0 {
		opts.PhoneHomeWait = 5 * time.Minute
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	b := &Builder{
		store:         s,
		projects:      p,
		hypervisors:   hypervisors,
		workdir:       opts.Workdir,
		signer:        opts.Signer,
		sshUser:       opts.SSHUser,
		sshTimeout:    opts.SSHTimeout,
		phoneHomeWait: opts.PhoneHomeWait,
		httpClient:    opts.HTTPClient,
		metrics:       opts.Metrics,
		hosts:         make(chan string, len(hypervisors)+1),
		builds:        make(chan int64, opts.QueueDepth+1),
		done:          make(chan struct{}),
	}

	for key := range hypervisors {
		b.hosts <- key
	}

	return b
}

// ScheduleBuild admits one build: project lookup, buildspec fetch, id
// allocation, persistence, enqueue. The fetch comes before the id
// allocation so a failed admission never consumes an id. Returns the
// build ref "<project>-<id>".
func (b *Builder) ScheduleBuild(ctx context.Context, projectKey, commitID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "builder.schedule",
		observability.AttrProject.String(projectKey),
		observability.AttrCommit.String(commitID),
	)
	defer span.End()

	prj, err := b.projects.Get(ctx, projectKey)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}

	spec, err := buildspec.Fetch(ctx, b.httpClient, prj.Repo, commitID)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}

	raw, err := spec.Marshal()
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}

	id, err := b.store.NextBuildID(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}
	span.SetAttributes(observability.AttrBuildID.Int64(id))

	err = b.store.PutBuild(ctx, &store.Build{
		ID:         id,
		Status:     store.StatusWaiting,
		Buildspec:  raw,
		ProjectKey: projectKey,
		CommitID:   commitID,
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}

	select {
	case b.builds <- id:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	logging.Op().Info("build scheduled", "build", id, "project", projectKey, "commit", commitID)
	return fmt.Sprintf("%s-%d", projectKey, id), nil
}

// Run is the pairing loop. It blocks until StopBuilding delivers the
// sentinels. Builds pair FIFO; a freed hypervisor takes the next build.
func (b *Builder) Run(ctx context.Context) {
	logging.Op().Info("builder started", "hypervisors", len(b.hypervisors))

	for {
		hostKey := <-b.hosts
		if hostKey == hostSentinel {
			break
		}

		buildID := <-b.builds
		if buildID == buildSentinel {
			break
		}

		b.inflight.Add(1)
		go func(buildID int64, hostKey string) {
			defer b.inflight.Done()
			// The slot returns to the pool on every exit path,
			// panics included.
			defer func() {
				if r := recover(); r != nil {
					logging.Op().Error("build crashed", "build", buildID, "hypervisor", hostKey, "panic", r)
				}
				b.hosts <- hostKey
			}()
			b.runBuild(ctx, buildID, hostKey)
		}(buildID, hostKey)
	}

	logging.Op().Info("builder stopped")
	close(b.done)
}

// StopBuilding enqueues the shutdown sentinels and waits for the pairing
// loop to terminate. In-flight builds keep running.
func (b *Builder) StopBuilding() {
	b.stopOnce.Do(func() {
		b.hosts <- hostSentinel
		// The loop may exit on the host sentinel without draining the
		// queue; with the queue full the build sentinel then has no
		// consumer.
		select {
		case b.builds <- buildSentinel:
		case <-b.done:
		}
	})
	<-b.done
}

// WaitBuilds blocks until every in-flight build has finished. Called
// after StopBuilding during daemon shutdown.
func (b *Builder) WaitBuilds() {
	b.inflight.Wait()
}

// Builds returns all persisted build records for the admin API.
func (b *Builder) Builds(ctx context.Context) ([]*store.Build, error) {
	return b.store.Builds(ctx)
}
