// Package directory looks up people and memberships in the external identity
// directory.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RoleOwner is the membership role treated as the organization's owner.
const RoleOwner = "owner"

// User is a directory identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Membership links a user to an organization.
type Membership struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Directory is the identity lookup surface. FindUserByEmail returns
// (nil, nil) when no user matches.
type Directory interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListOrganizationMemberships(ctx context.Context, organizationID string) ([]Membership, error)
}

// HTTPDirectory speaks the directory's bearer-authenticated JSON API.
type HTTPDirectory struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPDirectory creates a directory client rooted at baseURL.
func NewHTTPDirectory(baseURL, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FindUserByEmail resolves an email address (case-insensitively) to a user.
func (d *HTTPDirectory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	var resp struct {
		Users []User `json:"users"`
	}
	found, err := d.get(ctx, "/users?email="+url.QueryEscape(email), &resp)
	if err != nil || !found {
		return nil, err
	}
	for i := range resp.Users {
		if strings.EqualFold(resp.Users[i].Email, email) {
			return &resp.Users[i], nil
		}
	}
	return nil, nil
}

// ListOrganizationMemberships lists the members of an organization.
func (d *HTTPDirectory) ListOrganizationMemberships(ctx context.Context, organizationID string) ([]Membership, error) {
	var resp struct {
		Memberships []Membership `json:"memberships"`
	}
	if _, err := d.get(ctx, "/organizations/"+url.PathEscape(organizationID)+"/memberships", &resp); err != nil {
		return nil, err
	}
	return resp.Memberships, nil
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("create directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read directory response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("directory error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode directory response: %w", err)
	}
	return true, nil
}

// Static is an in-memory Directory. It backs deployments without a
// directory URL and tests.
type Static struct {
	mu          sync.RWMutex
	users       map[string]User
	memberships map[string][]Membership
}

// NewStatic returns an empty Static directory.
func NewStatic() *Static {
	return &Static{users: make(map[string]User), memberships: make(map[string][]Membership)}
}

// AddUser registers a user.
func (s *Static) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Email)] = u
}

// AddMembership registers a membership.
func (s *Static) AddMembership(m Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.OrganizationID] = append(s.memberships[m.OrganizationID], m)
}

func (s *Static) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Static) ListOrganizationMemberships(_ context.Context, organizationID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Membership(nil), s.memberships[organizationID]...), nil
}
