package courseclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursehub/internal/servicetoken"
	"coursehub/internal/util"
)

// Audience is the service-token audience the course service accepts.
const Audience = "course"

// Client calls the course service's internal API over HTTP.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// APIError represents a course service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("course service: %d %s", e.Status, e.Message)
}

// NewClient constructs a course service client. Every call is signed with signer.
func NewClient(baseURL string, signer *servicetoken.Signer) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("course service url is required")
	}
	if signer == nil {
		return nil, errors.New("internal signer is required")
	}
	return &Client{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// CourseExists reports whether the course service knows courseID. A 404 is
// (false, nil); other failures are returned as errors.
func (c *Client) CourseExists(ctx context.Context, courseID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/courses/"+url.PathEscape(courseID), nil)
	if err != nil {
		return false, err
	}
	token, err := c.signer.Sign(Audience)
	if err != nil {
		return false, fmt.Errorf("sign course request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if requestID := util.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return false, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return true, nil
}
