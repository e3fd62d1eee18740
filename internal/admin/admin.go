// Package admin is the JSON control surface of the ipd daemon: project
// CRUD and build submission.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tic-hefr/ipd/internal/buildspec"
	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/projects"
	"github.com/tic-hefr/ipd/internal/store"
)

// Registry is the project surface the API exposes.
type Registry interface {
	Register(ctx context.Context, key, repo string) error
	Get(ctx context.Context, key string) (*projects.Project, error)
	List(ctx context.Context) ([]string, error)
	Unregister(ctx context.Context, key string) error
}

// Builder is the build surface the API exposes.
type Builder interface {
	ScheduleBuild(ctx context.Context, projectKey, commitID string) (string, error)
	Builds(ctx context.Context) ([]*store.Build, error)
}

// Handler serves the admin API on /projects/ and /builds/.
type Handler struct {
	registry Registry
	builder  Builder
	mux      *http.ServeMux
}

// NewHandler wires the admin routes.
func NewHandler(registry Registry, builder Builder) *Handler {
	h := &Handler{registry: registry, builder: builder}
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/", h.handleProjects)
	mux.HandleFunc("/builds/", h.handleBuilds)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleProjects(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/projects/"), "/")

	if key == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		keys, err := h.registry.List(r.Context())
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, keys)
		return
	}

	switch r.Method {
	case http.MethodGet:
		prj, err := h.registry.Get(r.Context(), key)
		var nf *projects.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "project-does-not-exist",
				"key":   key,
			})
			return
		}
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prj)

	case http.MethodPut:
		repo := r.PostFormValue("repo")
		if repo == "" {
			http.Error(w, "repo is required", http.StatusBadRequest)
			return
		}
		err := h.registry.Register(r.Context(), key, repo)
		var exists *projects.AlreadyExistsError
		if errors.As(err, &exists) {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "project-already-exists",
				"key":   key,
			})
			return
		}
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if err := h.registry.Unregister(r.Context(), key); err != nil {
			h.serverError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleBuilds(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/builds/"), "/")
	if rest != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		builds, err := h.builder.Builds(r.Context())
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		out := make([]buildView, 0, len(builds))
		for _, b := range builds {
			out = append(out, buildView{
				ID:         b.ID,
				Status:     b.Status,
				ProjectKey: b.ProjectKey,
				CommitID:   b.CommitID,
			})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		projectKey := r.PostFormValue("project_key")
		commitID := r.PostFormValue("commit_id")
		if projectKey == "" || commitID == "" {
			http.Error(w, "project_key and commit_id are required", http.StatusBadRequest)
			return
		}

		ref, err := h.builder.ScheduleBuild(r.Context(), projectKey, commitID)
		if errors.Is(err, buildspec.ErrNotFound) {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":       "buildspec-not-found",
				"project_key": projectKey,
				"commit_id":   commitID,
			})
			return
		}
		var nf *projects.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "project-does-not-exist",
				"key":   projectKey,
			})
			return
		}
		if err != nil {
			h.serverError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ref)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type buildView struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	ProjectKey string `json:"project_key"`
	CommitID   string `json:"commit_id"`
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Op().Error("admin request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal-server-error",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
