package webapi

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spokecrm/spoke/internal/dispatch"
	"github.com/spokecrm/spoke/internal/session"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type sendRequest struct {
	Numbers  []string `json:"numbers"`
	Message  string   `json:"message"`
	ImageURL string   `json:"imageUrl"`
	UseSSE   *bool    `json:"useSSE"`
}

// postSendMessage submits a batch send for the tenant. With useSSE (the
// default) the response is a live event stream; otherwise the job id is
// returned immediately for polling.
func (h *Handler) postSendMessage(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}

	req, image, err := h.parseSendRequest(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	}
	if len(req.Numbers) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_NUMBERS", "numbers is required", nil)
	}
	if req.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_MESSAGE", "message is required", nil)
	}

	job, events, err := h.engine.Submit(tenantID, req.Numbers, dispatch.Payload{Message: req.Message, Image: image})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoRecipients):
			return fail(c, http.StatusBadRequest, "NO_RECIPIENTS", "no usable numbers after normalization", nil)
		case errors.Is(err, session.ErrNotReady):
			return fail(c, http.StatusConflict, "SESSION_NOT_READY", "tenant session is not paired", nil)
		default:
			zap.L().Error("webapi: submit failed", zap.String("tenant", tenantID), zap.Error(err))
			return fail(c, http.StatusInternalServerError, "SUBMIT_FAILED", "unable to schedule job", err.Error())
		}
	}

	useSSE := true
	if req.UseSSE != nil {
		useSSE = *req.UseSSE
	}
	if !useSSE {
		return ok(c, map[string]interface{}{"jobId": job.ID, "total": job.Total()})
	}
	return h.streamEvents(c, events)
}

// streamEvents writes the job's event channel as server-sent events. The
// channel buffers the whole stream, so a client that disconnects midway
// never stalls the dispatch worker.
func (h *Handler) streamEvents(c echo.Context, events <-chan interface{}) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			zap.L().Error("webapi: event marshal failed", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client is gone; the worker keeps running against the buffer.
			zap.L().Debug("webapi: sse consumer dropped", zap.Error(err))
			break
		}
		w.Flush()
	}
	return nil
}

// getJobStatus returns the poll snapshot of a job. Jobs expire from the
// registry after the retention window.
func (h *Handler) getJobStatus(c echo.Context) error {
	jobID := c.Param("jobId")
	job, found := h.registry.Get(jobID)
	if !found {
		return fail(c, http.StatusNotFound, "JOB_NOT_FOUND", "unknown or expired job", nil)
	}
	return ok(c, job.Snapshot())
}

// parseSendRequest accepts either a JSON body or a multipart form with an
// "image" file part. A multipart image takes precedence over imageUrl.
func (h *Handler) parseSendRequest(c echo.Context) (sendRequest, *session.Media, error) {
	var req sendRequest

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		req.Message = c.FormValue("message")
		req.ImageURL = c.FormValue("imageUrl")
		for _, part := range strings.Split(c.FormValue("numbers"), ",") {
			if part = strings.TrimSpace(part); part != "" {
				req.Numbers = append(req.Numbers, part)
			}
		}
		if v := c.FormValue("useSSE"); v != "" {
			use := v == "true" || v == "1"
			req.UseSSE = &use
		}
		if file, err := c.FormFile("image"); err == nil {
			media, err := h.readUpload(file)
			if err != nil {
				return req, nil, err
			}
			return req, media, nil
		}
	} else if err := c.Bind(&req); err != nil {
		return req, nil, errors.Wrap(err, "parse request body")
	}

	if req.ImageURL == "" {
		return req, nil, nil
	}
	media, err := h.fetchImage(req.ImageURL)
	if err != nil {
		return req, nil, err
	}
	return req, media, nil
}

func (h *Handler) readUpload(file *multipart.FileHeader) (*session.Media, error) {
	if file.Size > h.cfg.Messaging.MaxImageBytes {
		return nil, errors.Errorf("image exceeds %d bytes", h.cfg.Messaging.MaxImageBytes)
	}
	src, err := file.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open upload")
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, h.cfg.Messaging.MaxImageBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read upload")
	}
	if int64(len(data)) > h.cfg.Messaging.MaxImageBytes {
		return nil, errors.Errorf("image exceeds %d bytes", h.cfg.Messaging.MaxImageBytes)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, errors.Errorf("unsupported upload type %s", mime)
	}
	return &session.Media{Data: data, MimeType: mime, FileName: file.Filename}, nil
}

// fetchImage downloads the referenced image and validates size and type.
func (h *Handler) fetchImage(imageURL string) (*session.Media, error) {
	var (
		code int
		data []byte
	)
	err := gout.New().GET(imageURL).
		SetTimeout(15 * time.Second).
		Code(&code).
		BindBody(&data).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "fetch image")
	}
	if code != http.StatusOK {
		return nil, errors.Errorf("fetch image: unexpected status %d", code)
	}
	if int64(len(data)) > h.cfg.Messaging.MaxImageBytes {
		return nil, errors.Errorf("image exceeds %d bytes", h.cfg.Messaging.MaxImageBytes)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, errors.Errorf("unsupported image type %s", mime)
	}
	return &session.Media{Data: data, MimeType: mime, FileName: ""}, nil
}
