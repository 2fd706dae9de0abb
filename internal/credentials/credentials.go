// Package credentials resolves per-domain upstream credentials from a
// directory of JSON files, one file per domain, refreshing OAuth tokens as
// they approach expiry.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Credential types.
const (
	TypeAPIKey = "api_key"
	TypeOAuth  = "oauth"
)

// Sentinel errors surfaced to the proxy.
var (
	ErrUnknownDomain = errors.New("unknown domain")
	ErrExpiredToken  = errors.New("token expired and refresh failed")
)

// refreshSkew triggers a refresh when expiry is this close to now.
const refreshSkew = 60 * time.Second

// Credential is the resolved auth material for one domain.
type Credential struct {
	Domain       string    `json:"-"`
	Type         string    `json:"type"`
	Key          string    `json:"key,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	TokenURL     string    `json:"token_url,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`

	// AccountID attributes token usage; defaults to the domain name.
	AccountID string `json:"account_id,omitempty"`
	// ClientAPIKey, when present, must match the inbound Authorization
	// bearer token if client auth is enabled.
	ClientAPIKey string `json:"client_api_key,omitempty"`
}

// expiringSoon reports whether the token needs a refresh before use.
func (c *Credential) expiringSoon(now time.Time) bool {
	if c.Type != TypeOAuth || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(refreshSkew).After(c.ExpiresAt)
}

// Store loads and caches credentials from a directory.
type Store struct {
	dir        string
	httpClient *http.Client
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]*Credential

	refreshGroup singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient overrides the client used for token refresh exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a credential store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:        dir,
		httpClient: http.DefaultClient,
		now:        time.Now,
		cache:      make(map[string]*Credential),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) path(domain string) string {
	return filepath.Join(s.dir, domain+".credentials.json")
}

// Resolve returns the credential for domain, refreshing OAuth tokens that
// are within the expiry skew.
func (s *Store) Resolve(ctx context.Context, domain string) (*Credential, error) {
	cred, err := s.load(domain)
	if err != nil {
		return nil, err
	}
	if cred.expiringSoon(s.now()) {
		refreshed, err := s.Refresh(ctx, domain)
		if err != nil {
			return nil, err
		}
		return refreshed, nil
	}
	return cred, nil
}

func (s *Store) load(domain string) (*Credential, error) {
	s.mu.RLock()
	cred, ok := s.cache[domain]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	data, err := os.ReadFile(s.path(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
		}
		return nil, fmt.Errorf("read credential file for %s: %w", domain, err)
	}
	cred = &Credential{}
	if err := json.Unmarshal(data, cred); err != nil {
		return nil, fmt.Errorf("parse credential file for %s: %w", domain, err)
	}
	cred.Domain = domain
	if cred.Type != TypeAPIKey && cred.Type != TypeOAuth {
		return nil, fmt.Errorf("credential file for %s has unknown type %q", domain, cred.Type)
	}
	if cred.AccountID == "" {
		cred.AccountID = domain
	}

	s.mu.Lock()
	s.cache[domain] = cred
	s.mu.Unlock()
	return cred, nil
}

// Refresh performs a single OAuth refresh exchange for domain and persists
// the new token. Concurrent callers for the same domain share one exchange.
func (s *Store) Refresh(ctx context.Context, domain string) (*Credential, error) {
	v, err, _ := s.refreshGroup.Do(domain, func() (any, error) {
		return s.refresh(ctx, domain)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (s *Store) refresh(ctx context.Context, domain string) (*Credential, error) {
	cred, err := s.load(domain)
	if err != nil {
		return nil, err
	}
	if cred.Type != TypeOAuth {
		return cred, nil
	}
	if cred.RefreshToken == "" || cred.TokenURL == "" {
		return nil, fmt.Errorf("%w: no refresh material for %s", ErrExpiredToken, domain)
	}

	conf := &oauth2.Config{
		ClientID: cred.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cred.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	src := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0), // force refresh
	})
	tok, err := src.Token()
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("oauth refresh failed")
		return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = tok.Expiry

	if err := s.write(domain, &updated); err != nil {
		return nil, fmt.Errorf("persist refreshed token for %s: %w", domain, err)
	}

	s.mu.Lock()
	s.cache[domain] = &updated
	s.mu.Unlock()

	log.Info().Str("domain", domain).Time("expires_at", updated.ExpiresAt).Msg("oauth token refreshed")
	return &updated, nil
}

// write persists the credential atomically: temp file in the same directory,
// owner-readable only, then rename.
func (s *Store) write(domain string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+domain+".credentials.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path(domain))
}

// Invalidate drops the cached credential for a file path or domain name.
func (s *Store) Invalidate(name string) {
	domain := strings.TrimSuffix(filepath.Base(name), ".credentials.json")
	s.mu.Lock()
	delete(s.cache, domain)
	s.mu.Unlock()
}
