package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type restClient struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

func newRestClient(gateway, userID string) *restClient {
	return &restClient{
		baseURL: strings.TrimRight(gateway, "/"),
		userID:  strings.TrimSpace(userID),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *restClient) endpoint(path string) string {
	return c.baseURL + path
}

type httpError struct {
	Status  int
	Kind    string
	Message string
}

func (e *httpError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (c *restClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

func (c *restClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *restClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &strings.Builder{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		payload = strings.NewReader(buf.String())
	}
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// upload streams the package as the "package" multipart field without
// buffering it in memory.
func (c *restClient) upload(ctx context.Context, path string) (map[string]any, error) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "package",
			"filename": filepath.Base(path),
		}))
		hdr.Set("Content-Type", packageContentType(path))
		part, err := mw.CreatePart(hdr)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/addons", pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Upload-Size", strconv.FormatInt(info.Size(), 10))
	var res map[string]any
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// download saves the artifact to out, or to the served filename in the
// working directory, and returns the written path and the server checksum.
func (c *restClient) download(ctx context.Context, id int64, version, out string) (string, string, error) {
	path := fmt.Sprintf("/api/v1/addons/%d/download", id)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", responseError(resp)
	}
	if out == "" {
		out = servedFilename(resp.Header.Get("Content-Disposition"))
		if out == "" {
			out = fmt.Sprintf("addon-%d", id)
		}
	}
	// #nosec G304 -- output path is operator-provided.
	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		_ = dst.Close()
		_ = os.Remove(out)
		return "", "", err
	}
	if err := dst.Close(); err != nil {
		return "", "", err
	}
	return out, resp.Header.Get("X-Checksum"), nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	httpErr := &httpError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		httpErr.Message, httpErr.Kind = body.Error, body.Kind
	} else {
		httpErr.Message = strings.TrimSpace(string(data))
	}
	if httpErr.Message == "" {
		httpErr.Message = resp.Status
	}
	return httpErr
}

func servedFilename(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	name := filepath.Base(params["filename"])
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func packageContentType(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".tar"):
		return "application/x-tar"
	}
	return "application/zip"
}
