// Package atlassian validates user credentials against Jira (and optionally
// Confluence) and builds the auth material forwarded to the tool endpoint.
package atlassian

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmrelay/mmrelay/internal/logging"
)

// ValidateTimeout bounds a single credential check.
const ValidateTimeout = 10 * time.Second

// Validator checks credentials with a live request to the configured
// services.
type Validator struct {
	jiraURL       string
	confluenceURL string
	client        *http.Client
}

// NewValidator builds a validator. confluenceURL may be empty, in which case
// only Jira is checked.
func NewValidator(jiraURL, confluenceURL string) *Validator {
	return &Validator{
		jiraURL:       strings.TrimRight(jiraURL, "/"),
		confluenceURL: strings.TrimRight(confluenceURL, "/"),
		client:        &http.Client{Timeout: ValidateTimeout},
	}
}

// Validate checks the pair against Jira's /myself endpoint, then against
// Confluence when one is configured. The reason string is user-readable and
// never contains the credentials themselves. A non-nil error means the
// services could not be reached at all.
func (v *Validator) Validate(ctx context.Context, username, secret string) (bool, string, error) {
	ok, reason, err := v.check(ctx, v.jiraURL+"/rest/api/2/myself", "Jira", username, secret)
	if err != nil || !ok {
		return ok, reason, err
	}

	if v.confluenceURL != "" {
		return v.check(ctx, v.confluenceURL+"/rest/api/user/current", "Confluence", username, secret)
	}
	return true, "", nil
}

func (v *Validator) check(ctx context.Context, url, service, username, secret string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	req.SetBasicAuth(username, secret)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("reach %s: %w", service, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, "", nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, "invalid username or password", nil
	default:
		logging.Warn().
			Str("service", service).
			Int("status", resp.StatusCode).
			Msg("unexpected status during credential check")
		return false, fmt.Sprintf("%s answered with status %d", service, resp.StatusCode), nil
	}
}

// BasicAuthHeader returns the Authorization header map forwarded with
// per-user tool sessions.
func BasicAuthHeader(username, secret string) map[string]string {
	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + secret))
	return map[string]string{"Authorization": "Basic " + encoded}
}
