package agent

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camlink/camlink/storage"
	"github.com/camlink/camlink/tunnel"
)

const (
	defaultPage     = 1
	defaultPageSize = 60
)

// serve drains the session's incoming requests until it dies. Requests are
// serviced concurrently up to MaxConcurrentRequests; CANCEL is handled
// inline so an overloaded agent can still abort streams.
func (a *Agent) serve(ctx context.Context, s *tunnel.Session) {
	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrentRequests)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-s.Done():
			return
		case <-ctx.Done():
			return
		case m := <-s.Requests():
			a.dispatch(ctx, s, &g, m)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, s *tunnel.Session, g *errgroup.Group, m tunnel.Message) {
	switch m.Type {
	case tunnel.TypeCancel:
		a.cancelInflight(m.ID)

	case tunnel.TypeListVideos:
		if !g.TryGo(func() error {
			a.handleListVideos(s, m)
			return nil
		}) {
			a.rejectBusy(s, m.ID, tunnel.CodeListVideosFailed)
		}

	case tunnel.TypeReadFile:
		reqCtx, cancel := context.WithCancel(ctx)
		a.trackInflight(m.ID, cancel)
		if !g.TryGo(func() error {
			defer a.untrackInflight(m.ID)
			defer cancel()
			a.handleReadFile(reqCtx, s, m)
			return nil
		}) {
			a.untrackInflight(m.ID)
			cancel()
			a.rejectBusy(s, m.ID, tunnel.CodeReadFileFailed)
		}

	default:
		slog.Warn("unknown request type", "type", string(m.Type), "request_id", m.ID)
		_ = s.SendError(m.ID, tunnel.CodeUnknownRequest, "unknown request type: "+string(m.Type))
	}
}

func (a *Agent) rejectBusy(s *tunnel.Session, id, code string) {
	slog.Warn("request rejected, agent at concurrency limit", "request_id", id)
	_ = s.SendError(id, code, "agent busy, retry request")
}

func (a *Agent) handleListVideos(s *tunnel.Session, m tunnel.Message) {
	req, err := tunnel.DecodePayload[tunnel.ListVideosPayload](m)
	if err != nil {
		_ = s.SendError(m.ID, tunnel.CodeListVideosFailed, err.Error())
		return
	}
	if req.Page < 1 {
		req.Page = defaultPage
	}
	if req.PageSize < 1 {
		req.PageSize = defaultPageSize
	}

	videos, total, err := a.lib.List(req.CameraID, storage.ListFilter{
		Date:     req.Date,
		Hour:     req.Hour,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		slog.Error("listing videos failed", "camera", req.CameraID, "error", err)
		_ = s.SendError(m.ID, tunnel.CodeListVideosFailed, err.Error())
		return
	}

	entries := make([]tunnel.VideoEntry, 0, len(videos))
	for _, v := range videos {
		entries = append(entries, tunnel.VideoEntry{
			Filename:  v.Filename,
			Size:      v.Size,
			Timestamp: v.Timestamp.UTC().Format(time.RFC3339),
			Camera:    req.CameraID,
		})
	}
	totalPages := (total + req.PageSize - 1) / req.PageSize

	_ = s.Reply(m.ID, tunnel.TypeListVideosRes, tunnel.ListVideosResult{
		Videos:     entries,
		Total:      total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: totalPages,
	})
}

// handleReadFile answers READ_FILE with the meta reply followed by binary
// chunks in offset order and a terminating end-of-stream frame. File errors
// are reported as ERROR with no end-of-stream; a CANCEL from the proxy
// cancels reqCtx and ends the stream early.
func (a *Agent) handleReadFile(reqCtx context.Context, s *tunnel.Session, m tunnel.Message) {
	req, err := tunnel.DecodePayload[tunnel.ReadFilePayload](m)
	if err != nil {
		_ = s.SendError(m.ID, tunnel.CodeReadFileFailed, err.Error())
		return
	}

	rng, err := a.lib.Open(req.CameraID, req.Filename, req.Start, req.End)
	if err != nil {
		_ = s.SendError(m.ID, readFileErrorCode(err), err.Error())
		return
	}
	defer func() { _ = rng.Close() }()

	if err := s.Reply(m.ID, tunnel.TypeReadFileRes, tunnel.ReadFileMeta{
		Size:        rng.Size,
		Start:       rng.Start,
		End:         rng.End,
		Length:      rng.Length,
		ContentType: rng.ContentType,
	}); err != nil {
		return
	}

	buf := make([]byte, a.cfg.ChunkSize)
	for {
		if reqCtx.Err() != nil {
			// Proxy cancelled the request — terminate the stream cleanly so
			// its pending entry is released on the far side.
			_ = s.EndStream(m.ID)
			return
		}

		n, readErr := rng.Read(buf)
		if n > 0 {
			if err := s.SendChunk(m.ID, buf[:n]); err != nil {
				return // transport gone, session will close
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				_ = s.EndStream(m.ID)
			} else {
				slog.Error("reading recording failed",
					"camera", req.CameraID, "file", req.Filename, "error", readErr)
				_ = s.SendError(m.ID, tunnel.CodeReadFileFailed, readErr.Error())
			}
			return
		}
	}
}

func readFileErrorCode(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return tunnel.CodeFileNotFound
	case errors.Is(err, storage.ErrInvalidName), errors.Is(err, fs.ErrPermission):
		return tunnel.CodePermissionDenied
	case errors.Is(err, storage.ErrInvalidRange):
		return tunnel.CodeRangeNotSatisfiable
	default:
		return tunnel.CodeReadFileFailed
	}
}
