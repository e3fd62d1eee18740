// Package buildspec fetches and parses the Buildspec document kept at the
// root of a project repository.
package buildspec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// SpecPath is the file name looked up at the repository root.
const SpecPath = "Buildspec"

// ErrNotFound covers every admission failure around the buildspec: the
// repo URL cannot be resolved, the raw fetch fails, or the document does
// not parse. The admin API maps it to buildspec-not-found.
var ErrNotFound = errors.New("buildspec not found")

// Spec is the parsed buildspec. Install and Start are opaque command
// lists run in order inside the instance.
type Spec struct {
	BaseDomain string   `yaml:"base_domain"`
	Install    []string `yaml:"install"`
	Start      []string `yaml:"start"`
}

// Parse decodes a serialized buildspec.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse buildspec: %w", err)
	}
	if spec.BaseDomain == "" {
		return nil, fmt.Errorf("buildspec has no base_domain")
	}
	return &spec, nil
}

// Marshal serializes a spec for the build record.
func (s *Spec) Marshal() (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal buildspec: %w", err)
	}
	return string(data), nil
}

// Commands returns the install steps followed by the start steps.
func (s *Spec) Commands() []string {
	cmds := make([]string, 0, len(s.Install)+len(s.Start))
	cmds = append(cmds, s.Install...)
	cmds = append(cmds, s.Start...)
	return cmds
}

// RawURL derives the raw-content URL of the Buildspec for a repo at a
// commit, dispatching on the forge host: github.com and gitlab hosts have
// well-known raw layouts, anything else is treated as a raw base URL.
func RawURL(repo, commit string) (string, error) {
	u, err := url.Parse(repo)
	if err != nil {
		return "", fmt.Errorf("repo url: %w", err)
	}

	path := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), ".git")

	switch {
	case u.Hostname() == "github.com":
		u.Host = "raw.githubusercontent.com"
		u.Path = path + "/" + commit + "/" + SpecPath
	case u.Hostname() == "gitlab.com" || strings.HasPrefix(u.Hostname(), "gitlab."):
		u.Path = path + "/-/raw/" + commit + "/" + SpecPath
	default:
		u.Path = path + "/" + commit + "/" + SpecPath
	}

	return u.String(), nil
}

// Fetch retrieves and parses the buildspec for a repo at a commit. Any
// failure is reported as ErrNotFound; the underlying cause is attached
// for the logs.
func Fetch(ctx context.Context, client *http.Client, repo, commit string) (*Spec, error) {
	if client == nil {
		client = http.DefaultClient
	}

	rawURL, err := RawURL(repo, commit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrNotFound, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return spec, nil
}
