package gradio

import (
	"errors"
	"fmt"

	"fitpipe/internal/domain"
)

// Blob is an in-memory file that is uploaded before a call and replaced by
// its FileData reference.
type Blob struct {
	Data     []byte
	Filename string
	MIME     string
}

// FileData is the backend's reference to a file.
type FileData struct {
	Path     string         `json:"path,omitempty"`
	URL      string         `json:"url,omitempty"`
	OrigName string         `json:"orig_name,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Meta     map[string]any `json:"meta"`
}

func fileMeta() map[string]any {
	return map[string]any{"_type": "gradio.FileData"}
}

// FileFromURL references a remotely hosted file; the backend downloads it.
func FileFromURL(url string) FileData {
	return FileData{Path: url, URL: url, Meta: fileMeta()}
}

// Error is the single failure type returned for anything the backend rejects.
type Error struct {
	Space    string
	Endpoint string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	switch {
	case e.Endpoint != "" && e.Status != 0:
		return fmt.Sprintf("gradio: %s%s: status %d: %s", e.Space, e.Endpoint, e.Status, e.Message)
	case e.Endpoint != "":
		return fmt.Sprintf("gradio: %s%s: %s", e.Space, e.Endpoint, e.Message)
	default:
		return fmt.Sprintf("gradio: %s: %s", e.Space, e.Message)
	}
}

func (e *Error) Unwrap() error { return domain.ErrProviderFailure }

// IsError reports whether err came from the inference backend.
func IsError(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr)
}
