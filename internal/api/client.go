package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/carbonetes/mltaskd/pkg/api"
)

// Client talks to a running mltaskd API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body v1.ErrorResponse
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("api: %d %s", e.Code, e.Body.Message)
	if e.Body.Field != "" {
		msg += " (" + e.Body.Field + ")"
	}
	if e.Body.Error != "" {
		msg += ": " + e.Body.Error
	}
	return msg
}

// SubmitRequest mirrors the submission form. CodeFile and SampleData are
// local paths.
type SubmitRequest struct {
	Name        string
	DatasetSize string
	LabelCount  string
	DataShape   string
	CodeText    string
	CodeFile    string
	SampleData  string
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (v1.Task, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"taskname_user", req.Name},
		{"dataset_size", req.DatasetSize},
		{"label_count", req.LabelCount},
		{"data_shape", req.DataShape},
	}
	if req.CodeFile != "" {
		fields = append(fields, [2]string{"codeType", "file"})
	} else {
		fields = append(fields, [2]string{"codeType", "text"}, [2]string{"codeText", req.CodeText})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return v1.Task{}, err
		}
	}
	for field, path := range map[string]string{"codeFile": req.CodeFile, "sampleData": req.SampleData} {
		if path == "" {
			continue
		}
		if err := attach(mw, field, path); err != nil {
			return v1.Task{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return v1.Task{}, err
	}

	var resp v1.CreateTaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks", mw.FormDataContentType(), &body, &resp); err != nil {
		return v1.Task{}, err
	}
	return resp.NewTask, nil
}

func attach(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", field, err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func (c *Client) List(ctx context.Context) ([]v1.Task, error) {
	var resp v1.ListTasksResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) Get(ctx context.Context, id string) (v1.Task, error) {
	var t v1.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), "", nil, &t)
	return t, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&se.Body)
		return se
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
