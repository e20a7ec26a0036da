package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// ErrConflict reports a conditional write rejected because the submitted
// token no longer matches the mirror's current content.
var ErrConflict = errors.New("mirror token conflict")

// Snapshot is the mirror's current content for one file together with
// the opaque token required for the next conditional write. A missing
// file yields empty content and an empty token.
type Snapshot struct {
	Content []byte
	Token   string
}

// Client speaks to the external versioned mirror. Put fails with
// ErrConflict when the token is stale.
type Client interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Put(ctx context.Context, path string, content []byte, message, token string) error
}

// contentsClient implements Client against a GitHub-contents-style API:
// GET returns {content, sha}, PUT accepts {message, content, sha}.
type contentsClient struct {
	apiBase string
	owner   string
	repo    string
	http    *http.Client
}

// NewContentsClient builds the production mirror client. The bearer
// token rides on an oauth2 static-token transport.
func NewContentsClient(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := oauth2.NewClient(
		context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(cfg.Token)}),
	)
	httpClient.Timeout = cfg.PushTimeout
	return &contentsClient{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		http:    httpClient,
	}, nil
}

func (c *contentsClient) fileURL(path string) string {
	return fmt.Sprintf(
		"%s/repos/%s/%s/contents/%s",
		c.apiBase,
		url.PathEscape(c.owner),
		url.PathEscape(c.repo),
		strings.TrimLeft(path, "/"),
	)
}

type contentsGetResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

type contentsPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
}

func (c *contentsClient) Get(ctx context.Context, path string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(path), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build get: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("mirror get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("mirror get %s: unexpected status %d", path, resp.StatusCode)
	}

	var body contentsGetResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<24)).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("decode mirror get %s: %w", path, err)
	}

	content, err := decodeContent(body.Content, body.Encoding)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode mirror content %s: %w", path, err)
	}
	return Snapshot{Content: content, Token: body.SHA}, nil
}

func (c *contentsClient) Put(ctx context.Context, path string, content []byte, message, token string) error {
	payload, err := json.Marshal(contentsPutRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     token,
	})
	if err != nil {
		return fmt.Errorf("encode mirror put: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.fileURL(path), strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build put: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mirror put %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// A stale sha surfaces as 409 or 422 depending on server version.
		return fmt.Errorf("mirror put %s: %w", path, ErrConflict)
	default:
		return fmt.Errorf("mirror put %s: unexpected status %d", path, resp.StatusCode)
	}
}

func decodeContent(raw, encoding string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	switch encoding {
	case "", "base64":
		// The wire format inserts newlines into base64 bodies.
		cleaned := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, raw)
		return base64.StdEncoding.DecodeString(cleaned)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
