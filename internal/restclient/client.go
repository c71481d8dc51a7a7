// Package restclient talks to the draft-note backend over HTTP.
package restclient

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

	"github.com/starford/draftsync/internal/apperr"
	"github.com/starford/draftsync/internal/models"
)

const defaultTimeout = 30 * time.Second

// Client is a backend client. Every request carries the bearer token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is
// wrapped so the token is still sent.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the backend at serverURL.
func New(serverURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restclient: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("restclient: server url must be http or https, got %q", serverURL)
	}
	c := &Client{base: u, token: token, http: &http.Client{Timeout: defaultTimeout}}
	for _, o := range opts {
		o(c)
	}
	hc := *c.http
	hc.Transport = &bearerTransport{token: token, next: hc.Transport}
	c.http = &hc
	return c, nil
}

// bearerTransport adds the Authorization header to every request.
type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	if t.token == "" {
		return next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return next.RoundTrip(req)
}

// AddressFor returns the websocket address of the channel for versionID.
func (c *Client) AddressFor(versionID int64) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/notes/ws/" + strconv.FormatInt(versionID, 10)
	return u.String()
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = u.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// NotesByStep returns every note of the scope's project and step.
func (c *Client) NotesByStep(ctx context.Context, scope models.Scope) ([]models.Note, error) {
	q := url.Values{}
	q.Set("project_id", strconv.FormatInt(scope.ProjectID, 10))
	q.Set("step_name", scope.StepName)

	var notes []models.Note
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/notes/by_step", q), nil, "", &notes); err != nil {
		return nil, fmt.Errorf("restclient: notes by step: %w", err)
	}
	return notes, nil
}

// NotesForVersion returns every owner's note on versionID.
func (c *Client) NotesForVersion(ctx context.Context, versionID int64) ([]models.Note, error) {
	var notes []models.Note
	path := "/api/notes/" + strconv.FormatInt(versionID, 10)
	if err := c.do(ctx, http.MethodGet, c.endpoint(path, nil), nil, "", &notes); err != nil {
		return nil, fmt.Errorf("restclient: notes for version: %w", err)
	}
	return notes, nil
}

// UpsertNote saves a note. The response body is ignored; the saved note
// arrives over the version's channel.
func (c *Client) UpsertNote(ctx context.Context, req models.UpsertNoteRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("restclient: upsert note: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("/api/notes/", nil), bytes.NewReader(body), "application/json", nil); err != nil {
		return fmt.Errorf("restclient: upsert note: %w", err)
	}
	return nil
}

// UploadAttachments posts files and urls against owner's note on versionID.
func (c *Client) UploadAttachments(ctx context.Context, versionID int64, owner models.Owner, files []models.FileUpload, urls []string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeUploadForm(mw, owner, files, urls); err != nil {
		return fmt.Errorf("restclient: upload attachments: %w", err)
	}
	path := "/api/notes/" + strconv.FormatInt(versionID, 10) + "/attachments"
	if err := c.do(ctx, http.MethodPost, c.endpoint(path, nil), &buf, mw.FormDataContentType(), nil); err != nil {
		return fmt.Errorf("restclient: upload attachments: %w", err)
	}
	return nil
}

func writeUploadForm(mw *multipart.Writer, owner models.Owner, files []models.FileUpload, urls []string) error {
	if err := mw.WriteField("owner_id", strconv.FormatInt(owner.ID, 10)); err != nil {
		return err
	}
	if err := mw.WriteField("owner_kind", owner.Kind); err != nil {
		return err
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	for _, u := range urls {
		if err := mw.WriteField("urls", u); err != nil {
			return err
		}
	}
	return mw.Close()
}

// DeleteAttachment removes an attachment owned by owner.
func (c *Client) DeleteAttachment(ctx context.Context, attachmentID int64, owner models.Owner) error {
	q := url.Values{}
	q.Set("owner_id", strconv.FormatInt(owner.ID, 10))
	q.Set("owner_kind", owner.Kind)
	path := "/api/attachments/" + strconv.FormatInt(attachmentID, 10)
	if err := c.do(ctx, http.MethodDelete, c.endpoint(path, q), nil, "", nil); err != nil {
		return fmt.Errorf("restclient: delete attachment: %w", err)
	}
	return nil
}

type errResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps a failed response onto the apperr sentinels.
func statusError(resp *http.Response) error {
	var body errResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = apperr.ErrNotFound
	case http.StatusUnauthorized:
		sentinel = apperr.ErrUnauthenticated
	case http.StatusForbidden:
		sentinel = apperr.ErrForbidden
	case http.StatusConflict:
		sentinel = apperr.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = apperr.ErrInvalidPayload
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return &HTTPError{Status: resp.StatusCode, Message: msg}
}

// HTTPError is a failed response with no matching sentinel.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status >= 500
}
