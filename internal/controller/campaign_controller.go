// internal/controller/campaign_controller.go
package controller

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/service"
	"github.com/unclebandit/rallymail-backend/internal/storage"
)

// DefaultMaxRequestBytes caps a whole submission. Per-file limits are
// enforced by the stager, so an oversized file is rejected on its own.
const DefaultMaxRequestBytes = 128 << 20

const multipartMemory = 8 << 20

type CampaignController struct {
	CampaignService *service.CampaignService
	MaxRequestBytes int64

	log zerolog.Logger
}

func NewCampaignController(svc *service.CampaignService, log zerolog.Logger) *CampaignController {
	return &CampaignController{CampaignService: svc, MaxRequestBytes: DefaultMaxRequestBytes, log: log}
}

// Submit accepts a multipart (or url-encoded) form and answers 202 with the
// job ID as soon as the job is queued.
func (c *CampaignController) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, c.MaxRequestBytes)

	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	ids, err := parseIDs(r.Form["recipient_ids"])
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	allActive := false
	if v := r.FormValue("all_active"); v != "" {
		if allActive, err = strconv.ParseBool(v); err != nil {
			writeMessage(w, http.StatusBadRequest, "all_active must be a boolean")
			return
		}
	}

	res, err := c.CampaignService.Submit(r.Context(), service.SubmitRequest{
		Subject:      r.FormValue("subject"),
		HTMLBody:     r.FormValue("body"),
		TextBody:     r.FormValue("text_body"),
		RecipientIDs: ids,
		AllActive:    allActive,
		CreatedBy:    StaffID(r.Context()),
		Attachments:  uploads(r.MultipartForm),
	})
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// parseIDs accepts repeated fields, comma separated lists, or both.
func parseIDs(values []string) ([]int, error) {
	var ids []int
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.New("recipient_ids: " + strconv.Quote(part) + " is not a subscriber id")
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func uploads(form *multipart.Form) []storage.Upload {
	if form == nil {
		return nil
	}
	var out []storage.Upload
	for _, field := range []string{"attachments", "attachments[]"} {
		for _, fh := range form.File[field] {
			fh := fh
			out = append(out, storage.Upload{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Open:        func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return out
}

func (c *CampaignController) History(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	res, err := c.CampaignService.History(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Detail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}
	res, err := c.CampaignService.Detail(r.Context(), id)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}
	res, err := c.CampaignService.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}
	accepted, err := c.CampaignService.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (c *CampaignController) ResubmitFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}
	res, err := c.CampaignService.ResubmitFailed(r.Context(), id, StaffID(r.Context()))
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Attachment streams a stored attachment back to the operator.
func (c *CampaignController) Attachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}
	ref, body, err := c.CampaignService.OpenAttachment(r.Context(), id, chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, c.log, err)
		return
	}
	defer body.Close()

	contentType := ref.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		c.log.Warn().Err(err).Int("job_id", id).Str("filename", ref.Filename).Msg("attachment download interrupted")
	}
}
