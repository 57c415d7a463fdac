package gradio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const defaultAPIPrefix = "/gradio_api"

// Session is a connection to one space. It is safe for concurrent use.
type Session struct {
	client    *Client
	space     string
	baseURL   string
	apiPrefix string
	version   string
}

type spaceConfig struct {
	Version   string `json:"version"`
	APIPrefix string `json:"api_prefix"`
}

func (c *Client) connect(ctx context.Context, space string) (*Session, error) {
	baseURL, err := c.resolve(space)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, space, http.MethodGet, baseURL+"/config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Space: space, Message: "connect: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Space: space, Message: "read config: " + err.Error()}
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Space: space, Status: resp.StatusCode, Message: snippet(raw)}
	}
	var cfg spaceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{Space: space, Message: "decode config: " + err.Error()}
	}
	prefix := strings.TrimRight(cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = defaultAPIPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	c.logger.Info().
		Str("space", space).
		Str("version", cfg.Version).
		Msg("gradio: session established")
	return &Session{client: c, space: space, baseURL: baseURL, apiPrefix: prefix, version: cfg.Version}, nil
}

// Space returns the space id the session is bound to.
func (s *Session) Space() string { return s.space }

func (s *Session) apiURL(path string) string {
	return s.baseURL + s.apiPrefix + path
}

// Predict uploads any Blob inputs, submits the call and waits for the
// terminal event. Outputs are returned positionally; file outputs carry an
// absolute URL.
func (s *Session) Predict(ctx context.Context, endpoint string, inputs []any) ([]any, error) {
	endpoint = "/" + strings.TrimLeft(endpoint, "/")
	started := time.Now()

	data, err := s.prepareInputs(ctx, endpoint, inputs)
	if err != nil {
		return nil, err
	}
	eventID, err := s.submit(ctx, endpoint, data)
	if err != nil {
		return nil, err
	}
	outputs, err := s.await(ctx, endpoint, eventID)
	if err != nil {
		return nil, err
	}
	for i, out := range outputs {
		outputs[i] = s.resolveFiles(out)
	}
	s.client.logger.Debug().
		Str("space", s.space).
		Str("endpoint", endpoint).
		Str("event_id", eventID).
		Dur("elapsed", time.Since(started)).
		Msg("gradio: prediction complete")
	return outputs, nil
}

func (s *Session) prepareInputs(ctx context.Context, endpoint string, inputs []any) ([]any, error) {
	out := make([]any, len(inputs))
	for i, in := range inputs {
		switch v := in.(type) {
		case Blob:
			fd, err := s.upload(ctx, endpoint, v)
			if err != nil {
				return nil, err
			}
			out[i] = fd
		case *Blob:
			if v == nil {
				out[i] = nil
				continue
			}
			fd, err := s.upload(ctx, endpoint, *v)
			if err != nil {
				return nil, err
			}
			out[i] = fd
		default:
			out[i] = in
		}
	}
	return out, nil
}

func (s *Session) upload(ctx context.Context, endpoint string, blob Blob) (FileData, error) {
	filename := blob.Filename
	if filename == "" {
		filename = "upload.bin"
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, filename))
	contentType := blob.MIME
	if contentType == "" {
		contentType = http.DetectContentType(blob.Data)
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return FileData{}, fmt.Errorf("gradio: build upload: %w", err)
	}
	if _, err := part.Write(blob.Data); err != nil {
		return FileData{}, fmt.Errorf("gradio: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return FileData{}, fmt.Errorf("gradio: build upload: %w", err)
	}

	req, err := s.client.newRequest(ctx, s.space, http.MethodPost, s.apiURL("/upload"), &body)
	if err != nil {
		return FileData{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	raw, status, err := s.do(req)
	if err != nil {
		return FileData{}, &Error{Space: s.space, Endpoint: endpoint, Message: "upload: " + err.Error()}
	}
	if status >= 300 {
		return FileData{}, &Error{Space: s.space, Endpoint: endpoint, Status: status, Message: "upload: " + snippet(raw)}
	}
	var paths []string
	if err := json.Unmarshal(raw, &paths); err != nil || len(paths) == 0 {
		return FileData{}, &Error{Space: s.space, Endpoint: endpoint, Message: "upload: unexpected response " + snippet(raw)}
	}
	return FileData{
		Path:     paths[0],
		OrigName: filename,
		MimeType: contentType,
		Size:     int64(len(blob.Data)),
		Meta:     fileMeta(),
	}, nil
}

func (s *Session) submit(ctx context.Context, endpoint string, data []any) (string, error) {
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return "", fmt.Errorf("gradio: encode request: %w", err)
	}
	req, err := s.client.newRequest(ctx, s.space, http.MethodPost, s.apiURL("/call"+endpoint), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, status, err := s.do(req)
	if err != nil {
		return "", &Error{Space: s.space, Endpoint: endpoint, Message: err.Error()}
	}
	if status >= 300 {
		return "", &Error{Space: s.space, Endpoint: endpoint, Status: status, Message: errorDetail(raw)}
	}
	var decoded struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.EventID == "" {
		return "", &Error{Space: s.space, Endpoint: endpoint, Message: "missing event id: " + snippet(raw)}
	}
	return decoded.EventID, nil
}

func (s *Session) await(ctx context.Context, endpoint, eventID string) ([]any, error) {
	req, err := s.client.newRequest(ctx, s.space, http.MethodGet, s.apiURL("/call"+endpoint+"/"+eventID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Space: s.space, Endpoint: endpoint, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Space: s.space, Endpoint: endpoint, Status: resp.StatusCode, Message: errorDetail(raw)}
	}

	var result []any
	err = readEvents(resp.Body, func(ev event) (bool, error) {
		switch ev.name {
		case "complete":
			if err := json.Unmarshal([]byte(ev.data), &result); err != nil {
				return true, &Error{Space: s.space, Endpoint: endpoint, Message: "decode result: " + err.Error()}
			}
			return true, nil
		case "error":
			return true, &Error{Space: s.space, Endpoint: endpoint, Message: eventErrorMessage(ev.data)}
		default:
			return false, nil
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Space: s.space, Endpoint: endpoint, Message: ctx.Err().Error()}
		}
		return nil, err
	}
	if result == nil {
		return nil, &Error{Space: s.space, Endpoint: endpoint, Message: "stream ended without a result"}
	}
	return result, nil
}

func (s *Session) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// resolveFiles fills in an absolute URL on file outputs that only carry a
// server-side path.
func (s *Session) resolveFiles(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if path, ok := t["path"].(string); ok && path != "" {
			if u, _ := t["url"].(string); u == "" {
				t["url"] = s.apiURL("/file=" + path)
			}
			return t
		}
		for k, inner := range t {
			t[k] = s.resolveFiles(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = s.resolveFiles(inner)
		}
		return t
	default:
		return v
	}
}

type event struct {
	name string
	data string
}

// readEvents parses a text/event-stream body and calls fn for each event
// until fn reports done.
func readEvents(r io.Reader, fn func(event) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var (
		cur  event
		data []string
	)
	flush := func() (bool, error) {
		if cur.name == "" && len(data) == 0 {
			return false, nil
		}
		cur.data = strings.Join(data, "\n")
		done, err := fn(cur)
		cur, data = event{}, nil
		return done, err
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if done, err := flush(); done || err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("gradio: read event stream: %w", err)
	}
	_, err := flush()
	return err
}

func eventErrorMessage(data string) string {
	data = strings.TrimSpace(data)
	if data == "" || data == "null" {
		return "backend reported an error"
	}
	var msg string
	if err := json.Unmarshal([]byte(data), &msg); err == nil && msg != "" {
		return msg
	}
	return errorDetail([]byte(data))
}

func errorDetail(raw []byte) string {
	var detail struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil {
		if detail.Error != "" {
			return detail.Error
		}
		if detail.Detail != "" {
			return detail.Detail
		}
	}
	return snippet(raw)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
