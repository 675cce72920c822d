package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/storage"
)

// serveStat answers a stat request for a bundle running here.
func (a *Agent) serveStat(ctx context.Context, msg *broker.Message) {
	var req model.StatRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.replyError(ctx, msg, fmt.Errorf("malformed stat request: %w", err))
		return
	}
	p, err := a.runPath(msg.BundleUUID, req.Path)
	if err != nil {
		a.replyError(ctx, msg, err)
		return
	}
	info, err := archive.StatPath(p, req.Depth)
	if err != nil {
		a.replyError(ctx, msg, fmt.Errorf("%s: %w", req.Path, err))
		return
	}
	a.reply(ctx, msg, model.ContentReply{Info: info}, nil)
}

// serveRead streams a file, a byte window of it, a line preview or a
// directory archive.
func (a *Agent) serveRead(ctx context.Context, msg *broker.Message) {
	var req model.ReadRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.replyError(ctx, msg, fmt.Errorf("malformed read request: %w", err))
		return
	}
	p, err := a.runPath(msg.BundleUUID, req.Path)
	if err != nil {
		a.replyError(ctx, msg, err)
		return
	}
	info, err := archive.StatPath(p, 0)
	if err != nil {
		a.replyError(ctx, msg, fmt.Errorf("%s: %w", req.Path, err))
		return
	}

	if info.Type == model.FileTypeDirectory {
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(archive.PackDir(pw, p)) }()
		defer pr.Close()
		a.reply(ctx, msg, model.ContentReply{Info: info}, pr)
		return
	}

	f, err := os.Open(p)
	if err != nil {
		a.replyError(ctx, msg, fmt.Errorf("%s: %w", req.Path, err))
		return
	}
	defer f.Close()

	var body io.Reader = f
	switch {
	case req.Head > 0 || req.Tail > 0:
		data, err := storage.Preview(f, req.Head, req.Tail, req.MaxLineLength)
		if err != nil {
			a.replyError(ctx, msg, err)
			return
		}
		body = bytes.NewReader(data)
	case req.Start > 0 || req.End >= 0:
		end := req.End
		if end < 0 || end > info.Size {
			end = info.Size
		}
		if req.Start > end {
			a.replyError(ctx, msg, fmt.Errorf("range start %d beyond end of file (%d bytes)", req.Start, info.Size))
			return
		}
		if _, err := f.Seek(req.Start, io.SeekStart); err != nil {
			a.replyError(ctx, msg, err)
			return
		}
		body = io.LimitReader(f, end-req.Start)
	}
	a.reply(ctx, msg, model.ContentReply{Info: info}, body)
}

// runPath resolves p inside the directory of a bundle running here.
func (a *Agent) runPath(uuid, p string) (string, error) {
	r := a.lookup(uuid)
	if r == nil {
		return "", fmt.Errorf("bundle %s is not running on worker %s", uuid, a.client.WorkerID())
	}
	return within(r.dir, p)
}

func (a *Agent) reply(ctx context.Context, msg *broker.Message, hdr model.ContentReply, body io.Reader) {
	if err := a.client.ReplyData(ctx, msg.SocketID, hdr, body); err != nil {
		a.logger.Warn("reply failed", "bundle_uuid", msg.BundleUUID, "socket_id", msg.SocketID, "error", err)
	}
}

func (a *Agent) replyError(ctx context.Context, msg *broker.Message, err error) {
	a.reply(ctx, msg, model.ContentReply{Error: err.Error()}, nil)
}
