// Package apiclient talks to the dealer-jobs HTTP API. It backs the jobctl
// command line tool.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/dealer-jobs/internal/api/dto"
)

// ErrNotFound is returned when the API answers 404
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("api responded with status %d: %s", e.StatusCode, e.Message)
}

// Client is a thin HTTP client for the job API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the API rooted at baseURL. A nil httpClient uses
// one with the given timeout.
func New(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// UploadInventory posts a CSV file for a dealership and returns the accepted job
func (c *Client) UploadInventory(ctx context.Context, dealershipID, filename string, file io.Reader, markMissingAsSold bool) (*dto.ImportInventoryResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.WriteField("mark_missing_as_sold", strconv.FormatBool(markMissingAsSold)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	path := "/api/v1/dealerships/" + url.PathEscape(dealershipID) + "/inventory/import"
	var resp dto.ImportInventoryResponse
	if err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushLead enqueues a CRM push of one lead
func (c *Client) PushLead(ctx context.Context, leadID string) (string, error) {
	var resp dto.EnqueueResponse
	path := "/api/v1/leads/" + url.PathEscape(leadID) + "/crm-push"
	if err := c.do(ctx, http.MethodPost, path, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// SendReminder enqueues an appointment reminder of the given type
func (c *Client) SendReminder(ctx context.Context, appointmentID, reminderType string) (string, error) {
	body, err := json.Marshal(dto.ReminderRequest{Type: reminderType})
	if err != nil {
		return "", err
	}

	var resp dto.EnqueueResponse
	path := "/api/v1/appointments/" + url.PathEscape(appointmentID) + "/reminders"
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob fetches the current view of a job
func (c *Client) GetJob(ctx context.Context, jobID string) (*dto.JobDTO, error) {
	var job dto.JobDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), "", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches one page of jobs
func (c *Client) ListJobs(ctx context.Context, req dto.ListJobsRequest) (*dto.ListJobsResponse, error) {
	q := url.Values{}
	if req.Queue != "" {
		q.Set("queue", req.Queue)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	if req.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}

	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp dto.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteJob removes a finished job
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(jobID), "", nil, nil)
}

// Finished reports whether a job reached a terminal state
func Finished(job *dto.JobDTO) bool {
	return job.State == "completed" || job.State == "failed"
}

// WatchJob polls a job every interval and hands each snapshot to onUpdate
// until the job finishes or ctx is done. The last snapshot seen is returned
// along with any error.
func (c *Client) WatchJob(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*dto.JobDTO)) (*dto.JobDTO, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *dto.JobDTO
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		last = job
		if onUpdate != nil {
			onUpdate(job)
		}
		if Finished(job) {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
