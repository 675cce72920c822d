package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cinder/internal/model"
)

// checkinRequest is the JSON body for POST /v1/workers/{worker_id}/checkin.
type checkinRequest struct {
	model.WorkerInfo
	WaitTimeSecs float64 `json:"wait_time_secs"`
}

type startBundleRequest struct {
	BundleUUID string `json:"bundle_uuid"`
	Token      *int64 `json:"token"`
}

type startBundleResponse struct {
	Started bool `json:"started"`
}

type workersInfoResponse struct {
	Workers []model.WorkerSnapshot `json:"workers"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if !s.authorize(w, r, workerID, ActionWorker) {
		return
	}
	var req checkinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "checkin", err)
		return
	}
	wait := time.Duration(req.WaitTimeSecs * float64(time.Second))

	msg, err := s.broker.Checkin(r.Context(), workerID, req.WorkerInfo, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeErr(w, "checkin", err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.broker.Requeue(msg)
		s.writeErr(w, "checkin", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(data, '\n')); err != nil {
		requeued := s.broker.Requeue(msg)
		s.logger.Warn("checkin response not delivered", "worker_id", workerID, "seq", msg.Seq, "type", msg.Type, "requeued", requeued, "error", err)
	}
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	socketID, ok := s.socketParam(w, r)
	if !ok || !s.authorize(w, r, workerID, ActionWorker) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read reply body")
		return
	}
	if err := s.broker.Reply(r.Context(), workerID, socketID, json.RawMessage(payload)); err != nil {
		s.writeErr(w, "deliver reply", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplyData relays a header from the header_message query parameter
// and the raw request body. It returns once the waiter consumed the body.
func (s *Server) handleReplyData(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	socketID, ok := s.socketParam(w, r)
	if !ok || !s.authorize(w, r, workerID, ActionWorker) {
		return
	}
	header := json.RawMessage(r.URL.Query().Get("header_message"))
	if err := s.broker.ReplyData(r.Context(), workerID, socketID, header, r.Body); err != nil {
		s.writeErr(w, "deliver reply data", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartBundle(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "worker_id")
	if !s.authorize(w, r, workerID, ActionWorker) {
		return
	}
	var req startBundleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, "start bundle", err)
		return
	}
	switch {
	case req.BundleUUID == "":
		s.writeError(w, http.StatusBadRequest, "bundle_uuid is required")
		return
	case req.Token == nil:
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	started, err := s.broker.StartBundle(r.Context(), workerID, req.BundleUUID, *req.Token)
	if err != nil {
		s.writeErr(w, "start bundle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, startBundleResponse{Started: started})
}

func (s *Server) handleWorkersInfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "", ActionAdmin) {
		return
	}
	workers := s.broker.Registry().Snapshot()
	if workers == nil {
		workers = []model.WorkerSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, workersInfoResponse{Workers: workers})
}

func (s *Server) socketParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "socket_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "socket_id must be an integer")
		return 0, false
	}
	return id, true
}
