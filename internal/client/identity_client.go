package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// IdentityHTTPClient resolves role references into actor IDs against the
// platform identity service. It implements service.ApproverResolver for
// role-based step specs; fixed approver sets never reach it.
//
// Calls go through a circuit breaker so a degraded identity service fails
// step activation fast instead of piling up request-handler goroutines.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewIdentityHTTPClient creates a client for the identity service at baseURL.
func NewIdentityHTTPClient(baseURL string, timeout time.Duration) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "identity",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type usersWithRoleResponse struct {
	UserIDs []string `json:"userIds"`
}

// ResolveApprovers returns the user IDs holding the step's role.
// GET {base}/api/v1/roles/{role}/users
func (c *IdentityHTTPClient) ResolveApprovers(ctx context.Context, spec repository.StepSpec) ([]string, error) {
	if spec.Role == "" {
		return nil, nil
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetchUsersWithRole(ctx, spec.Role)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (c *IdentityHTTPClient) fetchUsersWithRole(ctx context.Context, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/roles/%s/users", c.baseURL, url.PathEscape(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned status %d for role %s", resp.StatusCode, role)
	}

	var decoded usersWithRoleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	return decoded.UserIDs, nil
}
