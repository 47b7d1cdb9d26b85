// Package client talks to the campaign HTTP API on behalf of an operator
// console.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/service"
)

// DefaultPollInterval is how often Watch reads the job status.
const DefaultPollInterval = 1500 * time.Millisecond

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Campaign is what an operator composes in the console.
type Campaign struct {
	Subject      string
	HTMLBody     string
	TextBody     string
	RecipientIDs []int
	AllActive    bool
	// Files are local paths attached to the campaign.
	Files []string
}

// Submit uploads the campaign as a streamed multipart form.
func (c *Client) Submit(ctx context.Context, camp Campaign) (*service.SubmitResult, error) {
	for _, f := range camp.Files {
		if _, err := os.Stat(f); err != nil {
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, camp))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/campaigns", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res service.SubmitResult
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func writeForm(mw *multipart.Writer, camp Campaign) error {
	fields := [][2]string{
		{"subject", camp.Subject},
		{"body", camp.HTMLBody},
		{"text_body", camp.TextBody},
		{"all_active", strconv.FormatBool(camp.AllActive)},
	}
	for _, id := range camp.RecipientIDs {
		fields = append(fields, [2]string{"recipient_ids", strconv.Itoa(id)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	for _, path := range camp.Files {
		if err := attachFile(mw, path); err != nil {
			return err
		}
	}
	return mw.Close()
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile("attachments", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *Client) Status(ctx context.Context, jobID int) (*model.JobProgress, error) {
	var p model.JobProgress
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/campaigns/%d/status", jobID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Cancel reports whether the server accepted the request. false means the
// job had already finished.
func (c *Client) Cancel(ctx context.Context, jobID int) (bool, error) {
	var res struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/campaigns/%d/cancel", jobID), &res); err != nil {
		return false, err
	}
	return res.Accepted, nil
}

func (c *Client) History(ctx context.Context, page, pageSize int) (*service.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var res service.HistoryPage
	if err := c.call(ctx, http.MethodGet, "/api/campaigns?"+q.Encode(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Detail(ctx context.Context, jobID int) (*model.CampaignSummary, error) {
	var res model.CampaignSummary
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/campaigns/%d", jobID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ResubmitFailed(ctx context.Context, jobID int) (*service.SubmitResult, error) {
	var res service.SubmitResult
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/campaigns/%d/resubmit-failed", jobID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DownloadAttachment copies a stored attachment into w.
func (c *Client) DownloadAttachment(ctx context.Context, jobID int, filename string, w io.Writer) (int64, error) {
	path := fmt.Sprintf("/api/campaigns/%d/attachments/%s", jobID, url.PathEscape(filename))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

// Watch polls the job status every interval, calling fn with each snapshot,
// until the job reaches a terminal status or ctx ends. A failed poll is
// retried on the next tick; the snapshots may skip intermediate counts.
func (c *Client) Watch(ctx context.Context, jobID int, interval time.Duration, fn func(model.JobProgress)) (*model.JobProgress, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := c.Status(ctx, jobID)
		switch {
		case err == nil:
			if fn != nil {
				fn(*p)
			}
			if p.Status.Terminal() {
				return p, nil
			}
		case isFinal(err):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// isFinal reports whether polling again cannot help.
func isFinal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
