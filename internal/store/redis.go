// Package store is the typed contract over the Redis state shared by the
// scheduler and the metadata server.
//
// Key layout:
//
//	projects             set of project keys
//	project:<key>        repo URL
//	builds               build id counter
//	build:<id>           build hash (status, buildspec, project_key, commit_id)
//	instancedata:<uuid>  per-instance rendezvous hash
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// Build statuses. Transitions are monotonic: waiting -> running -> done|failed.
const (
	StatusWaiting = "waiting"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Build is one persisted build record.
type Build struct {
	ID         int64
	Status     string
	Buildspec  string
	ProjectKey string
	CommitID   string
}

// Store wraps the Redis client with the operations the system uses.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func buildKey(id int64) string       { return "build:" + strconv.FormatInt(id, 10) }
func projectKey(key string) string   { return "project:" + key }
func instanceKey(uuid string) string { return "instancedata:" + uuid }

// AddProject adds key to the project set. The second return is false when
// the key was already a member; that is the caller's signal, not an error.
func (s *Store) AddProject(ctx context.Context, key string) (bool, error) {
	added, err := s.client.SAdd(ctx, "projects", key).Result()
	if err != nil {
		return false, fmt.Errorf("store: sadd projects: %w", err)
	}
	return added > 0, nil
}

// SetProjectRepo stores the repo URL for a project.
func (s *Store) SetProjectRepo(ctx context.Context, key, repo string) error {
	if err := s.client.Set(ctx, projectKey(key), repo, 0).Err(); err != nil {
		return fmt.Errorf("store: set project %s: %w", key, err)
	}
	return nil
}

// ProjectRepo returns the repo URL for key, or "" when the project does
// not exist.
func (s *Store) ProjectRepo(ctx context.Context, key string) (string, error) {
	repo, err := s.client.Get(ctx, projectKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get project %s: %w", key, err)
	}
	return repo, nil
}

// Projects returns all registered project keys.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, "projects").Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers projects: %w", err)
	}
	return keys, nil
}

// RemoveProject deletes the project entry and its set membership in one
// transaction. Removing an absent project is not an error.
func (s *Store) RemoveProject(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, projectKey(key))
	pipe.SRem(ctx, "projects", key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: remove project %s: %w", key, err)
	}
	return nil
}

// NextBuildID atomically allocates a new build id.
func (s *Store) NextBuildID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, "builds").Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr builds: %w", err)
	}
	return id, nil
}

// BuildCount returns the current value of the build counter.
func (s *Store) BuildCount(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, "builds").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get builds: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: builds counter: %w", err)
	}
	return n, nil
}

// PutBuild persists a build record.
func (s *Store) PutBuild(ctx context.Context, b *Build) error {
	err := s.client.HSet(ctx, buildKey(b.ID), map[string]interface{}{
		"status":      b.Status,
		"buildspec":   b.Buildspec,
		"project_key": b.ProjectKey,
		"commit_id":   b.CommitID,
	}).Err()
	if err != nil {
		return fmt.Errorf("store: put build %d: %w", b.ID, err)
	}
	return nil
}

// GetBuild loads a build record. Returns nil when the id is unknown.
func (s *Store) GetBuild(ctx context.Context, id int64) (*Build, error) {
	fields, err := s.client.HGetAll(ctx, buildKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get build %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Build{
		ID:         id,
		Status:     fields["status"],
		Buildspec:  fields["buildspec"],
		ProjectKey: fields["project_key"],
		CommitID:   fields["commit_id"],
	}, nil
}

// SetBuildStatus advances the status field of a build record.
func (s *Store) SetBuildStatus(ctx context.Context, id int64, status string) error {
	if err := s.client.HSet(ctx, buildKey(id), "status", status).Err(); err != nil {
		return fmt.Errorf("store: build %d status: %w", id, err)
	}
	return nil
}

// Builds loads every build record up to the current counter value.
func (s *Store) Builds(ctx context.Context) ([]*Build, error) {
	count, err := s.BuildCount(ctx)
	if err != nil {
		return nil, err
	}
	builds := make([]*Build, 0, count)
	for id := int64(1); id <= count; id++ {
		b, err := s.GetBuild(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			builds = append(builds, b)
		}
	}
	return builds, nil
}

// PutInstanceData merges fields into an instance rendezvous record. Both
// phases of the record go through this single HSET so each phase is
// visible atomically.
func (s *Store) PutInstanceData(ctx context.Context, uuid string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	if err := s.client.HSet(ctx, instanceKey(uuid), args).Err(); err != nil {
		return fmt.Errorf("store: instancedata %s: %w", uuid, err)
	}
	return nil
}

// InstanceData loads the full rendezvous record for uuid. Empty map when
// absent.
func (s *Store) InstanceData(ctx context.Context, uuid string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, instanceKey(uuid)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: instancedata %s: %w", uuid, err)
	}
	return fields, nil
}

// InstanceStatus reads only the status field of a rendezvous record.
// Returns "" while the guest has not phoned home yet.
func (s *Store) InstanceStatus(ctx context.Context, uuid string) (string, error) {
	status, err := s.client.HGet(ctx, instanceKey(uuid), "status").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: instancedata %s status: %w", uuid, err)
	}
	return status, nil
}

// RemoveInstanceData deletes a rendezvous record during teardown.
func (s *Store) RemoveInstanceData(ctx context.Context, uuid string) error {
	if err := s.client.Del(ctx, instanceKey(uuid)).Err(); err != nil {
		return fmt.Errorf("store: del instancedata %s: %w", uuid, err)
	}
	return nil
}
