package gradio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fitpipe/internal/infra"
)

// ErrMissingSpace indicates that an operation has no space configured.
var ErrMissingSpace = errors.New("gradio: space is required")

// Options configures the Gradio client.
type Options struct {
	// Token is sent to every space without an entry in SpaceTokens.
	Token          string
	SpaceTokens    map[string]string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	// ResolveSpace maps a space id to its base URL. Defaults to the hosted
	// "owner/name" -> https://owner-name.hf.space convention.
	ResolveSpace func(space string) (string, error)
}

type sessionSlot struct {
	mu      sync.Mutex
	session *Session
}

// Client owns one lazily created session per space and reuses it for every
// call to that space.
type Client struct {
	token      string
	tokens     map[string]string
	httpClient *http.Client
	logger     *infra.Logger
	resolve    func(string) (string, error)

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 3 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	resolve := opts.ResolveSpace
	if resolve == nil {
		resolve = ResolveHostedSpace
	}
	tokens := make(map[string]string, len(opts.SpaceTokens))
	for space, tok := range opts.SpaceTokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens[strings.TrimSpace(space)] = tok
		}
	}
	return &Client{
		token:      strings.TrimSpace(opts.Token),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
		resolve:    resolve,
		slots:      make(map[string]*sessionSlot),
	}
}

// ResolveHostedSpace turns "owner/name" into the hosted space URL. Absolute
// URLs are returned unchanged.
func ResolveHostedSpace(space string) (string, error) {
	space = strings.TrimSpace(space)
	if space == "" {
		return "", ErrMissingSpace
	}
	if strings.HasPrefix(space, "http://") || strings.HasPrefix(space, "https://") {
		return strings.TrimRight(space, "/"), nil
	}
	owner, name, ok := strings.Cut(space, "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("gradio: invalid space %q, want owner/name", space)
	}
	host := strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(owner + "-" + name))
	return "https://" + host + ".hf.space", nil
}

// Session returns the cached session for space, connecting on first use. A
// failed connect is not cached so the next call retries.
func (c *Client) Session(ctx context.Context, space string) (*Session, error) {
	c.mu.Lock()
	slot, ok := c.slots[space]
	if !ok {
		slot = &sessionSlot{}
		c.slots[space] = slot
	}
	c.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.session != nil {
		return slot.session, nil
	}
	s, err := c.connect(ctx, space)
	if err != nil {
		return nil, err
	}
	slot.session = s
	return s, nil
}

// Predict calls endpoint on space through its cached session.
func (c *Client) Predict(ctx context.Context, space, endpoint string, inputs []any) ([]any, error) {
	s, err := c.Session(ctx, space)
	if err != nil {
		return nil, err
	}
	return s.Predict(ctx, endpoint, inputs)
}

// tokenFor returns the access token for space, falling back to the default.
func (c *Client) tokenFor(space string) string {
	if tok, ok := c.tokens[space]; ok {
		return tok
	}
	return c.token
}

func (c *Client) newRequest(ctx context.Context, space, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("gradio: build request: %w", err)
	}
	if tok := c.tokenFor(space); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}
