package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/storage"
)

// uncompressedSizeHeader carries the logical size of a content response,
// independent of any transport compression.
const uncompressedSizeHeader = "X-Cinder-Uncompressed-Size"

const defaultInfoDepth = 1

// selector reads the location_id and store query parameters.
func selector(r *http.Request) (storage.Selector, error) {
	sel := storage.Selector{Store: r.URL.Query().Get("store")}
	if v := r.URL.Query().Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return sel, model.Validationf("location_id must be an integer")
		}
		sel.LocationID = id
	}
	return sel, nil
}

// relayable reports whether reads of b should be answered by its worker.
func relayable(b *model.Bundle) bool {
	return b.WorkerID != "" && (b.State == model.StateRunning || b.State == model.StatePreparing)
}

func (s *Server) handleContentsInfo(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	p := chi.URLParam(r, "*")
	depth := parseIntQuery(r, "depth", defaultInfoDepth)
	sel, err := selector(r)
	if err != nil {
		s.writeErr(w, "stat contents", err)
		return
	}
	b, ok := s.bundleExists(w, r, uuid)
	if !ok {
		return
	}

	info, err := s.gateway.Stat(r.Context(), uuid, sel, p, depth)
	if errors.Is(err, storage.ErrNoLocation) && relayable(b) {
		info, err = s.relayStat(r, b, p, depth)
	}
	if err != nil {
		s.writeErr(w, "stat contents", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) relayStat(r *http.Request, b *model.Bundle, p string, depth int) (info *model.FileInfo, err error) {
	defer func() { relayRequests.WithLabelValues(broker.MsgStat, relayOutcome(err)).Inc() }()

	stream, err := s.broker.Request(r.Context(), b.WorkerID, broker.MsgStat, b.UUID, model.StatRequest{Path: p, Depth: depth})
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var reply model.ContentReply
	if err := stream.Header(&reply); err != nil {
		return nil, model.Transport("read worker reply", err)
	}
	if reply.Error != "" {
		return nil, model.NotFoundf("%s", reply.Error)
	}
	if reply.Info == nil {
		return nil, model.Transport("read worker reply", errors.New("reply has no file info"))
	}
	return reply.Info, nil
}

// parseRange reads "bytes=start-end" with end exclusive, or "bytes=start-"
// to read to the end of the file.
func parseRange(h string) (*storage.ByteRange, error) {
	if h == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, model.Validationf("unsupported range %q", h)
	}
	startS, endS, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, model.Validationf("malformed range %q", h)
	}
	start, err := strconv.ParseInt(startS, 10, 64)
	if err != nil || start < 0 {
		return nil, model.Validationf("malformed range %q", h)
	}
	end := int64(-1)
	if endS != "" {
		end, err = strconv.ParseInt(endS, 10, 64)
		if err != nil || end < start {
			return nil, model.Validationf("malformed range %q", h)
		}
	}
	return &storage.ByteRange{Start: start, End: end}, nil
}

func acceptsGzip(r *http.Request) bool {
	for part := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

func (s *Server) handleContentsBlob(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionRead) {
		return
	}
	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		s.writeErr(w, "read contents", err)
		return
	}
	sel, err := selector(r)
	if err != nil {
		s.writeErr(w, "read contents", err)
		return
	}
	opts := storage.ReadOptions{
		Selector:      sel,
		Path:          chi.URLParam(r, "*"),
		Range:         rng,
		Gzip:          rng == nil && acceptsGzip(r),
		Head:          parseIntQuery(r, "head", 0),
		Tail:          parseIntQuery(r, "tail", 0),
		MaxLineLength: parseIntQuery(r, "max_line_length", 0),
	}
	b, ok := s.bundleExists(w, r, uuid)
	if !ok {
		return
	}

	c, err := s.gateway.Read(r.Context(), uuid, opts)
	if errors.Is(err, storage.ErrNoLocation) && relayable(b) {
		s.relayRead(w, r, b, opts)
		return
	}
	if err != nil {
		s.writeErr(w, "read contents", err)
		return
	}
	defer c.Body.Close()

	status := http.StatusOK
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	if c.Info.Type == model.FileTypeDirectory {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": c.Filename}))
		h.Set(uncompressedSizeHeader, strconv.FormatInt(c.Info.Size, 10))
	} else {
		h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": c.Filename}))
		h.Set(uncompressedSizeHeader, strconv.FormatInt(c.Size, 10))
		if c.Encoding == "" && c.Size >= 0 {
			h.Set("Content-Length", strconv.FormatInt(c.Size, 10))
		}
	}
	h.Set("Content-Type", c.ContentType)
	if c.Encoding != "" {
		h.Set("Content-Encoding", c.Encoding)
		h.Add("Vary", "Accept-Encoding")
	}
	if c.Range != nil {
		status = http.StatusPartialContent
		if c.Range.End > c.Range.Start {
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", c.Range.Start, c.Range.End-1, c.Total))
		} else {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", c.Total))
		}
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, c.Body); err != nil {
		s.logger.Warn("stream contents", "bundle_uuid", uuid, "error", err)
	}
}

// relayRead asks the bundle's worker for the bytes and copies its reply
// through. Ranges are forwarded as a byte window.
func (s *Server) relayRead(w http.ResponseWriter, r *http.Request, b *model.Bundle, opts storage.ReadOptions) {
	req := model.ReadRequest{
		Path:          opts.Path,
		End:           -1,
		Head:          opts.Head,
		Tail:          opts.Tail,
		MaxLineLength: opts.MaxLineLength,
	}
	if opts.Range != nil {
		req.Start, req.End = opts.Range.Start, opts.Range.End
	}

	var err error
	defer func() { relayRequests.WithLabelValues(broker.MsgRead, relayOutcome(err)).Inc() }()

	stream, err := s.broker.Request(r.Context(), b.WorkerID, broker.MsgRead, b.UUID, req)
	if err != nil {
		s.writeErr(w, "read contents from worker", err)
		return
	}
	defer stream.Close()

	var reply model.ContentReply
	if err = stream.Header(&reply); err != nil {
		err = model.Transport("read worker reply", err)
		s.writeErr(w, "read contents from worker", err)
		return
	}
	if reply.Error != "" {
		err = model.NotFoundf("%s", reply.Error)
		s.writeErr(w, "read contents from worker", err)
		return
	}
	body, err := stream.Body()
	if err != nil {
		s.writeErr(w, "read contents from worker", err)
		return
	}

	h := w.Header()
	if reply.Info != nil && reply.Info.Type == model.FileTypeDirectory {
		h.Set("Content-Type", "application/gzip")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": reply.Info.Name + ".tar.gz"}))
	} else {
		h.Set("Content-Type", "application/octet-stream")
		if reply.Info != nil {
			h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": reply.Info.Name}))
		}
	}
	if reply.Info != nil {
		h.Set(uncompressedSizeHeader, strconv.FormatInt(reply.Info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("relay contents", "bundle_uuid", b.UUID, "worker_id", b.WorkerID, "error", err)
	}
}

func (s *Server) handleUploadContents(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if !s.authorize(w, r, uuid, ActionWrite) {
		return
	}
	q := r.URL.Query()
	opts := storage.WriteOptions{
		Store:             q.Get("store"),
		Git:               parseBoolQuery(r, "git"),
		Filename:          q.Get("filename"),
		Unpack:            parseBoolQuery(r, "unpack"),
		FinalizeOnSuccess: !q.Has("finalize_on_success") || parseBoolQuery(r, "finalize_on_success"),
		FinalizeOnFailure: parseBoolQuery(r, "finalize_on_failure"),
		StateOnSuccess:    q.Get("state_on_success"),
	}
	for _, v := range q["urls"] {
		for u := range strings.SplitSeq(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				opts.URLs = append(opts.URLs, u)
			}
		}
	}
	if v := q.Get("location_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "location_id must be an integer")
			return
		}
		opts.LocationID = id
	}

	var body io.Reader
	if len(opts.URLs) == 0 {
		body = r.Body
	}
	res, err := s.gateway.Write(r.Context(), uuid, body, opts)
	if err != nil {
		s.writeErr(w, "upload contents", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
