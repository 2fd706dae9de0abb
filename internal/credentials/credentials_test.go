package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeCredFile(t *testing.T, dir, domain string, cred map[string]any) {
	t.Helper()
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".credentials.json"), data, 0o600))
}

func TestResolve_APIKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "example.com", map[string]any{
		"type": "api_key", "key": "sk-test", "account_id": "acct-1",
	})

	s := NewStore(dir)
	cred, err := s.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, TypeAPIKey, cred.Type)
	require.Equal(t, "sk-test", cred.Key)
	require.Equal(t, "acct-1", cred.AccountID)
}

func TestResolve_UnknownDomain(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	_, err := s.Resolve(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrUnknownDomain)
}

func TestResolve_AccountIDDefaultsToDomain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "d.example", map[string]any{"type": "api_key", "key": "k"})

	s := NewStore(dir)
	cred, err := s.Resolve(context.Background(), "d.example")
	require.NoError(t, err)
	require.Equal(t, "d.example", cred.AccountID)
}

func TestRefresh_ExchangesAndPersists(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeCredFile(t, dir, "oauth.example", map[string]any{
		"type":          "oauth",
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"expires_at":    time.Now().Add(10 * time.Second).Format(time.RFC3339),
		"token_url":     ts.URL,
	})

	s := NewStore(dir)
	cred, err := s.Resolve(context.Background(), "oauth.example")
	require.NoError(t, err)
	require.Equal(t, "at-2", cred.AccessToken)
	require.Equal(t, "rt-2", cred.RefreshToken)
	require.Equal(t, int32(1), calls.Load())

	// The new token is written back to the same file.
	data, err := os.ReadFile(filepath.Join(dir, "oauth.example.credentials.json"))
	require.NoError(t, err)
	var onDisk Credential
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, "at-2", onDisk.AccessToken)

	// File stays owner-readable only.
	info, err := os.Stat(filepath.Join(dir, "oauth.example.credentials.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRefresh_ConcurrentCallersShareOneExchange(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeCredFile(t, dir, "busy.example", map[string]any{
		"type":          "oauth",
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"expires_at":    time.Now().Add(-time.Minute).Format(time.RFC3339),
		"token_url":     ts.URL,
	})

	s := NewStore(dir)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := s.Refresh(context.Background(), "busy.example")
			require.NoError(t, err)
			require.Equal(t, "at-2", cred.AccessToken)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestRefresh_NonTransientFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeCredFile(t, dir, "dead.example", map[string]any{
		"type":          "oauth",
		"access_token":  "at-1",
		"refresh_token": "rt-1",
		"expires_at":    time.Now().Add(-time.Minute).Format(time.RFC3339),
		"token_url":     ts.URL,
	})

	s := NewStore(dir)
	_, err := s.Resolve(context.Background(), "dead.example")
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestInvalidate_DropsCache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "rot.example", map[string]any{"type": "api_key", "key": "old"})

	s := NewStore(dir)
	cred, err := s.Resolve(context.Background(), "rot.example")
	require.NoError(t, err)
	require.Equal(t, "old", cred.Key)

	writeCredFile(t, dir, "rot.example", map[string]any{"type": "api_key", "key": "new"})
	// Cached until invalidated.
	cred, err = s.Resolve(context.Background(), "rot.example")
	require.NoError(t, err)
	require.Equal(t, "old", cred.Key)

	s.Invalidate(filepath.Join(dir, "rot.example.credentials.json"))
	cred, err = s.Resolve(context.Background(), "rot.example")
	require.NoError(t, err)
	require.Equal(t, "new", cred.Key)
}
