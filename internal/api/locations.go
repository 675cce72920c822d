package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cinder/internal/backend"
	"github.com/seantiz/cinder/internal/model"
)

type createLocationRequest struct {
	Store       string `json:"store"`
	NeedsBypass bool   `json:"needs_bypass"`
	IsDir       bool   `json:"is_dir"`
}

type locationResponse struct {
	Location   *model.BundleLocation   `json:"location"`
	Credential *model.BypassCredential `json:"credential,omitempty"`
}

type listLocationsResponse struct {
	Locations []*model.BundleLocation `json:"locations"`
}

type createStoreRequest struct {
	Name          string `json:"name"`
	StorageType   string `json:"storage_type"`
	StorageFormat string `json:"storage_format"`
	URL           string `json:"url"`
	Endpoint      string `json:"endpoint"`
	AccessKeyEnv  string `json:"access_key_env"`
	SecretKeyEnv  string `json:"secret_key_env"`
	Secure        bool   `json:"secure"`
}

type listStoresResponse struct {
	Stores []backend.StoreInfo `json:"stores"`
}

func (s *Server) locationParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "location id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	locs, err := s.gateway.ListLocations(r.Context(), uuid)
	if err != nil {
		s.writeErr(w, "list locations", err)
		return
	}
	if locs == nil {
		locs = []*model.BundleLocation{}
	}
	s.writeJSON(w, http.StatusOK, listLocationsResponse{Locations: locs})
}

// handleCreateLocation allocates a location. A credential is returned only
// when the caller asked for bypass and the store can sign one.
func (s *Server) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	var req createLocationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "create location", err)
		return
	}
	loc, cred, err := s.gateway.CreateLocation(r.Context(), uuid, req.Store, req.NeedsBypass, req.IsDir)
	if err != nil {
		s.writeErr(w, "create location", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, locationResponse{Location: loc, Credential: cred})
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	id, ok := s.locationParam(w, r)
	if !ok || !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	loc, err := s.gateway.GetLocation(r.Context(), uuid, id)
	if err != nil {
		s.writeErr(w, "get location", err)
		return
	}
	s.writeJSON(w, http.StatusOK, locationResponse{Location: loc})
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	id, ok := s.locationParam(w, r)
	if !ok || !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	if err := s.gateway.DeleteLocation(r.Context(), uuid, id); err != nil {
		s.writeErr(w, "delete location", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	id, ok := s.locationParam(w, r)
	if !ok || !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	cred, err := s.gateway.DownloadURL(r.Context(), uuid, id)
	if err != nil {
		s.writeErr(w, "sign download", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "", ActionRead) {
		return
	}
	s.writeJSON(w, http.StatusOK, listStoresResponse{Stores: s.gateway.Backends().List()})
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "", ActionAdmin) {
		return
	}
	var req createStoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "create bundle store", err)
		return
	}
	bs, err := s.gateway.RegisterStore(r.Context(), &model.BundleStore{
		Name:          req.Name,
		StorageType:   req.StorageType,
		StorageFormat: req.StorageFormat,
		URL:           req.URL,
		Endpoint:      req.Endpoint,
		AccessKeyEnv:  req.AccessKeyEnv,
		SecretKeyEnv:  req.SecretKeyEnv,
		Secure:        req.Secure,
	})
	if err != nil {
		s.writeErr(w, "create bundle store", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bs)
}
