package store

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
)

// newTestStore connects to a local Redis on DB 15 and wipes it. Tests are
// skipped when no Redis is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewWithClient(client)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.AddProject(ctx, "webapp")
	if err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if !added {
		t.Fatal("AddProject returned false for a new key")
	}

	added, err = s.AddProject(ctx, "webapp")
	if err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if added {
		t.Fatal("AddProject returned true for a duplicate key")
	}

	if err := s.SetProjectRepo(ctx, "webapp", "https://example.org/repo"); err != nil {
		t.Fatalf("SetProjectRepo: %v", err)
	}
	repo, err := s.ProjectRepo(ctx, "webapp")
	if err != nil {
		t.Fatalf("ProjectRepo: %v", err)
	}
	if repo != "https://example.org/repo" {
		t.Errorf("ProjectRepo = %q", repo)
	}

	keys, err := s.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if len(keys) != 1 || keys[0] != "webapp" {
		t.Errorf("Projects = %v", keys)
	}

	if err := s.RemoveProject(ctx, "webapp"); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	repo, err = s.ProjectRepo(ctx, "webapp")
	if err != nil {
		t.Fatalf("ProjectRepo after remove: %v", err)
	}
	if repo != "" {
		t.Errorf("ProjectRepo after remove = %q, want empty", repo)
	}
	keys, err = s.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects after remove: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Projects after remove = %v", keys)
	}
}

func TestBuildIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.BuildCount(ctx)
	if err != nil {
		t.Fatalf("BuildCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("BuildCount = %d on a fresh db", count)
	}

	first, err := s.NextBuildID(ctx)
	if err != nil {
		t.Fatalf("NextBuildID: %v", err)
	}
	second, err := s.NextBuildID(ctx)
	if err != nil {
		t.Fatalf("NextBuildID: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", first, second)
	}

	count, err = s.BuildCount(ctx)
	if err != nil {
		t.Fatalf("BuildCount: %v", err)
	}
	if count != 2 {
		t.Errorf("BuildCount = %d, want 2", count)
	}
}

func TestBuildRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.NextBuildID(ctx)
	if err != nil {
		t.Fatalf("NextBuildID: %v", err)
	}

	put := &Build{
		ID:         id,
		Status:     StatusWaiting,
		Buildspec:  "base_domain: ubuntu\n",
		ProjectKey: "webapp",
		CommitID:   "abc123",
	}
	if err := s.PutBuild(ctx, put); err != nil {
		t.Fatalf("PutBuild: %v", err)
	}

	got, err := s.GetBuild(ctx, id)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got == nil {
		t.Fatal("GetBuild returned nil for a stored build")
	}
	if *got != *put {
		t.Errorf("GetBuild = %+v, want %+v", got, put)
	}

	if err := s.SetBuildStatus(ctx, id, StatusRunning); err != nil {
		t.Fatalf("SetBuildStatus: %v", err)
	}
	got, err = s.GetBuild(ctx, id)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.Buildspec != put.Buildspec {
		t.Errorf("status update clobbered the buildspec: %q", got.Buildspec)
	}

	missing, err := s.GetBuild(ctx, 999)
	if err != nil {
		t.Fatalf("GetBuild(999): %v", err)
	}
	if missing != nil {
		t.Errorf("GetBuild(999) = %+v, want nil", missing)
	}

	builds, err := s.Builds(ctx)
	if err != nil {
		t.Fatalf("Builds: %v", err)
	}
	if len(builds) != 1 || builds[0].ID != id {
		t.Errorf("Builds = %+v", builds)
	}
}

func TestInstanceData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uuid := "0481bd62-3092-4b26-8d06-c7bf5e1f48a6"

	// Phase 1: scheduler writes placement and access info.
	err := s.PutInstanceData(ctx, uuid, map[string]string{
		"hypervisor":  "kvm1",
		"mac_address": "52:54:00:aa:bb:cc",
		"vncport":     "5901",
		"vncpasswd":   "s3cret",
	})
	if err != nil {
		t.Fatalf("PutInstanceData: %v", err)
	}

	status, err := s.InstanceStatus(ctx, uuid)
	if err != nil {
		t.Fatalf("InstanceStatus: %v", err)
	}
	if status != "" {
		t.Errorf("InstanceStatus before phone home = %q, want empty", status)
	}

	// Phase 2: metadata server merges the guest report. Key material must
	// survive verbatim.
	hostKey := "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC7 root@webapp-1"
	err = s.PutInstanceData(ctx, uuid, map[string]string{
		"status":      "running",
		"hostname":    "webapp-1",
		"ip_address":  "192.0.2.10",
		"pub_key_rsa": hostKey,
	})
	if err != nil {
		t.Fatalf("PutInstanceData phase 2: %v", err)
	}

	status, err = s.InstanceStatus(ctx, uuid)
	if err != nil {
		t.Fatalf("InstanceStatus: %v", err)
	}
	if status != "running" {
		t.Errorf("InstanceStatus = %q, want running", status)
	}

	data, err := s.InstanceData(ctx, uuid)
	if err != nil {
		t.Fatalf("InstanceData: %v", err)
	}
	if data["hypervisor"] != "kvm1" {
		t.Errorf("phase 1 fields lost on merge: %v", data)
	}
	if data["pub_key_rsa"] != hostKey {
		t.Errorf("pub_key_rsa = %q, want verbatim key", data["pub_key_rsa"])
	}

	if err := s.RemoveInstanceData(ctx, uuid); err != nil {
		t.Fatalf("RemoveInstanceData: %v", err)
	}
	data, err = s.InstanceData(ctx, uuid)
	if err != nil {
		t.Fatalf("InstanceData after remove: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("InstanceData after remove = %v, want empty", data)
	}
}
