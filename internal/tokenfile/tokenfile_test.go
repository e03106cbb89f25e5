package tokenfile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens", "books.json")

	tf := &File{
		Token: &oauth2.Token{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			Expiry:       time.Now().Add(time.Hour),
		},
		OrgID: "org-7",
	}

	if err := Save(path, tf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}

		if perms := info.Mode().Perm(); perms != FilePerms {
			t.Errorf("perms = %o, want %o", perms, FilePerms)
		}
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Token.RefreshToken != "rt-1" || loaded.OrgID != "org-7" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRemove_MissingIsNotError(t *testing.T) {
	t.Parallel()

	if err := Remove(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestSource_RefreshesAndPersists(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "books.json")

	expired := &File{Token: &oauth2.Token{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		Expiry:       time.Now().Add(-time.Hour),
	}}
	if err := Save(path, expired); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := &oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}

	src, err := NewSource(path, cfg, testLogger(t))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if tok != "at-new" {
		t.Errorf("token = %q, want at-new", tok)
	}

	// Rotated token persisted for the next process.
	persisted, err := Load(path)
	if err != nil {
		t.Fatalf("Load after refresh: %v", err)
	}

	if persisted.Token.RefreshToken != "rt-new" {
		t.Errorf("persisted refresh token = %q, want rt-new", persisted.Token.RefreshToken)
	}

	// Second call serves from cache without hitting the endpoint.
	srv.Close()

	tok2, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("cached Token: %v", err)
	}

	if tok2 != "at-new" {
		t.Errorf("cached token = %q, want at-new", tok2)
	}
}
