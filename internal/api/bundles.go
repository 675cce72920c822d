package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/store"
)

// createBundleRequest is the JSON body for POST /v1/bundles.
type createBundleRequest struct {
	BundleType   string             `json:"bundle_type"`
	Command      string             `json:"command"`
	Dependencies []model.Dependency `json:"dependencies"`
	Metadata     map[string]any     `json:"metadata"`
	Resources    model.Resources    `json:"resources"`
	Tag          string             `json:"tag"`
	// Memoize returns an existing bundle with the same command and
	// dependencies instead of creating a new one.
	Memoize bool `json:"memoize"`
}

type createBundleResponse struct {
	*model.Bundle
	Memoized bool `json:"memoized"`
}

type listBundlesResponse struct {
	Bundles []*model.Bundle `json:"bundles"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type patchBundleRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type killRequest struct {
	Reason string `json:"reason"`
}

// finalizeRequest is the JSON body for POST /v1/bundles/{uuid}/state, used
// after a bypass upload.
type finalizeRequest struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"error_msg"`
	DataHash string `json:"data_hash"`
	IsDir    *bool  `json:"is_dir"`
	DataSize *int64 `json:"data_size"`
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "", ActionCreate) {
		return
	}
	var req createBundleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "create bundle", err)
		return
	}
	memoize := req.Memoize || parseBoolQuery(r, "memoize")

	if memoize && req.BundleType == model.BundleTypeRun {
		existing, ok, err := s.machine.FindMemoized(r.Context(), req.Command, req.Dependencies)
		if err != nil {
			s.writeErr(w, "find memoized bundle", err)
			return
		}
		if ok {
			s.writeJSON(w, http.StatusOK, createBundleResponse{Bundle: existing, Memoized: true})
			return
		}
	}

	b, err := s.machine.Create(r.Context(), &model.Bundle{
		BundleType:   req.BundleType,
		OwnerID:      r.Header.Get(userHeader),
		Command:      req.Command,
		Dependencies: req.Dependencies,
		Metadata:     req.Metadata,
		Resources:    req.Resources,
		Tag:          req.Tag,
	})
	if err != nil {
		s.writeErr(w, "create bundle", err)
		return
	}
	if b.State == model.StateStaged {
		s.dispatcher.Kick()
	}
	s.writeJSON(w, http.StatusCreated, createBundleResponse{Bundle: b})
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "", ActionRead) {
		return
	}
	q := r.URL.Query()
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	f := store.BundleFilter{BundleType: q.Get("bundle_type"), Limit: limit, Offset: offset}
	for _, v := range q["state"] {
		for st := range strings.SplitSeq(v, ",") {
			if st != "" {
				f.States = append(f.States, st)
			}
		}
	}
	if q.Has("command") {
		cmd := q.Get("command")
		f.Command = &cmd
	}

	var want []model.Dependency
	if q.Has("dependencies") {
		deps, err := parseDependencyFilter(q.Get("dependencies"))
		if err != nil {
			s.writeErr(w, "list bundles", err)
			return
		}
		want = deps
		// The dependency predicate is applied after the query, so page afterwards.
		f.Limit, f.Offset = 0, 0
	}

	bundles, err := s.store.ListBundles(r.Context(), f)
	if err != nil {
		s.writeErr(w, "list bundles", err)
		return
	}
	if want != nil {
		bundles = slices.DeleteFunc(bundles, func(b *model.Bundle) bool {
			return !sameDependencies(b.Dependencies, want)
		})
		bundles = bundles[min(offset, len(bundles)):]
		bundles = bundles[:min(limit, len(bundles))]
	}
	if bundles == nil {
		bundles = []*model.Bundle{}
	}

	s.writeJSON(w, http.StatusOK, listBundlesResponse{
		Bundles: bundles,
		Limit:   limit,
		Offset:  offset,
	})
}

// parseDependencyFilter reads "child_path:parent_uuid,..." pairs. An empty
// value matches bundles without dependencies.
func parseDependencyFilter(v string) ([]model.Dependency, error) {
	deps := []model.Dependency{}
	for pair := range strings.SplitSeq(v, ",") {
		if pair == "" {
			continue
		}
		path, parent, ok := strings.Cut(pair, ":")
		if !ok || parent == "" {
			return nil, model.Validationf("dependency %q must be child_path:parent_uuid", pair)
		}
		deps = append(deps, model.Dependency{ChildPath: path, ParentUUID: parent})
	}
	return deps, nil
}

// sameDependencies compares dependency sets by (parent_uuid, child_path),
// ignoring order.
func sameDependencies(a, b []model.Dependency) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(d model.Dependency) string { return d.ParentUUID + "\x00" + d.ChildPath }
	ka := make([]string, len(a))
	kb := make([]string, len(b))
	for i := range a {
		ka[i], kb[i] = key(a[i]), key(b[i])
	}
	slices.Sort(ka)
	slices.Sort(kb)
	return slices.Equal(ka, kb)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	b, err := s.machine.Get(r.Context(), uuid)
	if err != nil {
		s.writeErr(w, "get bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePatchBundle(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	var req patchBundleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "update bundle", err)
		return
	}
	b, err := s.machine.UpdateMetadata(r.Context(), uuid, req.Metadata)
	if err != nil {
		s.writeErr(w, "update bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleKillBundle(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	var req killRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeErr(w, "kill bundle", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "killed by user"
		if u := r.Header.Get(userHeader); u != "" {
			req.Reason = "killed by " + u
		}
	}
	b, err := s.dispatcher.Kill(r.Context(), uuid, req.Reason)
	if err != nil {
		s.writeErr(w, "kill bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleFreezeBundle(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	b, err := s.machine.Freeze(r.Context(), uuid)
	if err != nil {
		s.writeErr(w, "freeze bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// handleFinalizeBundle records the final state of a bundle whose contents
// were uploaded directly to a backend. It takes the write slot so it
// cannot race an upload through the server.
func (s *Server) handleFinalizeBundle(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "finalize bundle", err)
		return
	}
	_, release, err := s.machine.AcquireWrite(r.Context(), uuid)
	if err != nil {
		s.writeErr(w, "finalize bundle", err)
		return
	}
	defer release()

	b, err := s.machine.Finalize(r.Context(), uuid, lifecycle.Outcome{
		Success:  req.Success,
		ErrorMsg: req.ErrorMsg,
		DataHash: req.DataHash,
		IsDir:    req.IsDir,
		DataSize: req.DataSize,
	})
	if err != nil {
		s.writeErr(w, "finalize bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// bundleExists writes a 404 and returns false when uuid is unknown.
func (s *Server) bundleExists(w http.ResponseWriter, r *http.Request, uuid string) (*model.Bundle, bool) {
	b, err := s.machine.Get(r.Context(), uuid)
	if errors.Is(err, model.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "bundle not found")
		return nil, false
	}
	if err != nil {
		s.writeErr(w, "get bundle", err)
		return nil, false
	}
	return b, true
}
