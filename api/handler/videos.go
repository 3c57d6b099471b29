package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camlink/camlink/config"
	"github.com/camlink/camlink/registry"
	"github.com/camlink/camlink/storage"
	"github.com/camlink/camlink/tunnel"
)

const defaultListPageSize = 60

// Range header errors. Malformed syntax is the client's mistake (400);
// syntactically valid but unsupported or unsatisfiable forms get 416.
var (
	errMalformedRange   = errors.New("malformed Range header")
	errUnsupportedRange = errors.New("unsupported Range header")
)

// VideoHandler serves recording listings and byte-range streams by relaying
// them over the owning device's tunnel session.
type VideoHandler struct {
	cfg config.Proxy
	reg *registry.Registry
}

func NewVideoHandler(cfg config.Proxy, reg *registry.Registry) *VideoHandler {
	return &VideoHandler{cfg: cfg, reg: reg}
}

// List handles GET /api/devices/:id/videos. The path parameter names a device or a
// camera; date/hour/page/page_size narrow and paginate the listing.
func (h *VideoHandler) List(c *gin.Context) {
	s, camera, ok := h.resolve(c)
	if !ok {
		return
	}

	date := c.Query("date")
	if date != "" {
		if _, err := time.Parse("20060102", date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYYMMDD"})
			return
		}
	}
	var hour *int
	if v := c.Query("hour"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 23 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hour must be 0-23"})
			return
		}
		hour = &n
	}
	page, ok := positiveIntQuery(c, "page", 1)
	if !ok {
		return
	}
	pageSize, ok := positiveIntQuery(c, "page_size", defaultListPageSize)
	if !ok {
		return
	}
	if pageSize > h.cfg.MaxPageSize {
		pageSize = h.cfg.MaxPageSize
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline)
	defer cancel()

	reply, err := s.Call(ctx, tunnel.TypeListVideos, tunnel.ListVideosPayload{
		CameraID: camera,
		Date:     date,
		Hour:     hour,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		respondTunnelError(c, err)
		return
	}
	result, err := tunnel.DecodePayload[tunnel.ListVideosResult](reply)
	if err != nil {
		slog.Error("malformed listing reply", "device_id", s.DeviceID(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "device returned a malformed response"})
		return
	}
	if result.Videos == nil {
		result.Videos = []tunnel.VideoEntry{}
	}
	c.JSON(http.StatusOK, result)
}

// Stream handles GET and HEAD /api/devices/:id/videos/:filename, translating the
// HTTP byte-range request into a tunnel READ_FILE stream.
func (h *VideoHandler) Stream(c *gin.Context) {
	s, camera, ok := h.resolve(c)
	if !ok {
		return
	}
	filename := c.Param("filename")
	if !storage.SafeName(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	if c.Request.Method == http.MethodHead {
		h.head(c, s, camera, filename)
		return
	}

	start, end, partial, err := parseRange(c.GetHeader("Range"))
	if err != nil {
		if errors.Is(err, errMalformedRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.Header("Accept-Ranges", "bytes")
			c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": err.Error()})
		}
		return
	}

	ctx := c.Request.Context()
	// The deadline covers the wait for the meta reply only; the body transfer
	// that follows is bounded by the stream's own lifecycle.
	openCtx, cancelOpen := context.WithTimeout(ctx, h.cfg.RequestDeadline)
	st, err := s.OpenStream(openCtx, tunnel.ReadFilePayload{
		CameraID: camera,
		Filename: filename,
		Start:    start,
		End:      end,
	})
	cancelOpen()
	if err != nil {
		respondTunnelError(c, err)
		return
	}
	defer st.Cancel()

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		c.Header("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", st.Meta.Start, st.Meta.End, st.Meta.Size))
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", st.Meta.ContentType)
	c.Header("Content-Length", strconv.FormatInt(st.Meta.Length, 10))
	c.Status(status)

	flusher, _ := c.Writer.(http.Flusher)
	for {
		chunk, err := st.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Headers are out; writing short of Content-Length makes the
				// server close the connection so the client sees the failure.
				slog.Warn("stream ended early",
					"device_id", s.DeviceID(), "camera", camera, "file", filename, "error", err)
			}
			return
		}
		if _, err := c.Writer.Write(chunk); err != nil {
			// Client went away; Cancel (deferred) tells the agent to stop.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// head answers HEAD by probing the first byte over the tunnel, which yields
// the file's size and content type without transferring the body.
func (h *VideoHandler) head(c *gin.Context, s *tunnel.Session, camera, filename string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestDeadline)
	defer cancel()

	end := int64(0)
	st, err := s.OpenStream(ctx, tunnel.ReadFilePayload{
		CameraID: camera,
		Filename: filename,
		Start:    0,
		End:      &end,
	})
	if err != nil {
		respondTunnelError(c, err)
		return
	}
	st.Cancel()

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", st.Meta.ContentType)
	c.Header("Content-Length", strconv.FormatInt(st.Meta.Size, 10))
	c.Status(http.StatusOK)
}

// resolve maps the :id path parameter to a session and camera. A device id
// wins over a camera id; the camera query parameter disambiguates devices
// that serve more than one camera.
func (h *VideoHandler) resolve(c *gin.Context) (*tunnel.Session, string, bool) {
	id := c.Param("id")
	camera := c.Query("camera")

	if s, ok := h.reg.Get(id); ok {
		if camera == "" {
			cams := s.Cameras()
			if len(cams) != 1 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "device serves multiple cameras, pass ?camera=",
				})
				return nil, "", false
			}
			return s, cams[0], true
		}
		for _, cam := range s.Cameras() {
			if cam == camera {
				return s, camera, true
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not served by device: " + camera})
		return nil, "", false
	}

	if s, ok := h.reg.ResolveCamera(id); ok {
		if camera != "" && camera != id {
			c.JSON(http.StatusBadRequest, gin.H{"error": "camera parameter conflicts with path"})
			return nil, "", false
		}
		return s, id, true
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "unknown device or camera: " + id})
	return nil, "", false
}

// parseRange interprets the Range request header. Supported forms are
// "bytes=a-b" and "bytes=a-"; anything multi-part, non-byte, or suffix-form
// is rejected with errUnsupportedRange, broken syntax with errMalformedRange.
func parseRange(header string) (start int64, end *int64, partial bool, err error) {
	if header == "" {
		return 0, nil, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, nil, false, fmt.Errorf("%w: only byte ranges are supported", errUnsupportedRange)
	}
	if strings.Contains(spec, ",") {
		return 0, nil, false, fmt.Errorf("%w: multipart ranges are not supported", errUnsupportedRange)
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return 0, nil, false, errMalformedRange
	}
	if first == "" {
		if n, perr := strconv.ParseInt(last, 10, 64); perr != nil || n < 0 {
			return 0, nil, false, errMalformedRange
		}
		// Suffix form bytes=-N needs the file size to resolve, which only the
		// device knows; clients get the size from HEAD and ask absolutely.
		return 0, nil, false, fmt.Errorf("%w: suffix ranges are not supported", errUnsupportedRange)
	}
	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 {
		return 0, nil, false, errMalformedRange
	}
	if last != "" {
		e, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || e < start {
			return 0, nil, false, errMalformedRange
		}
		end = &e
	}
	return start, end, true, nil
}

func positiveIntQuery(c *gin.Context, name string, def int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}

// respondTunnelError maps tunnel dispatch failures and device ERROR replies
// to HTTP statuses.
func respondTunnelError(c *gin.Context, err error) {
	var remote *tunnel.RemoteError
	switch {
	case errors.As(err, &remote):
		switch remote.Code {
		case tunnel.CodeFileNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": remote.Message})
		case tunnel.CodePermissionDenied:
			c.JSON(http.StatusForbidden, gin.H{"error": remote.Message})
		case tunnel.CodeRangeNotSatisfiable:
			c.Header("Accept-Ranges", "bytes")
			c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": remote.Message})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": remote.Message})
		}
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not respond in time"})
	case errors.Is(err, tunnel.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device connection is closing"})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		c.Abort()
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "device connection lost"})
	}
}
