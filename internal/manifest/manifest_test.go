package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "breeze-updater/1.0.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDecodesManifest(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"versionCode":5,"versionName":"1.4.0","downloadUrl":"https://cdn.example.com/a.deb","releaseNotes":"fixes"}`)

	m, err := NewFetcher(srv.URL, "1.0.0", 5*time.Second).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.VersionCode != 5 || m.VersionName != "1.4.0" || m.DownloadURL != "https://cdn.example.com/a.deb" || m.ReleaseNotes != "fixes" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestFetchErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   FetchErrorKind
	}{
		{"non-2xx", http.StatusNotFound, "missing", FetchStatus},
		{"malformed json", http.StatusOK, `{"versionCode":`, FetchDecode},
		{"missing download url", http.StatusOK, `{"versionCode":5,"versionName":"1.4.0"}`, FetchInvalid},
		{"zero version code", http.StatusOK, `{"versionName":"1.4.0","downloadUrl":"https://x"}`, FetchInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			_, err := NewFetcher(srv.URL, "1.0.0", 5*time.Second).Fetch(context.Background())

			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fe.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", fe.Kind, tt.kind)
			}
		})
	}
}

func TestFetchStatusErrorCarriesCode(t *testing.T) {
	srv := serve(t, http.StatusServiceUnavailable, "")
	_, err := NewFetcher(srv.URL, "1.0.0", 5*time.Second).Fetch(context.Background())

	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 FetchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("message %q should mention the status", err.Error())
	}
}

func TestFetchTimeoutMessage(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewFetcher(srv.URL, "1.0.0", 50*time.Millisecond).Fetch(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if err.Error() != "timeout" {
		t.Fatalf("message = %q, want %q", err.Error(), "timeout")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("error should wrap ErrTimeout")
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFetcher(url, "1.0.0", time.Second).Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != FetchTransport {
		t.Fatalf("expected transport FetchError, got %v", err)
	}
}

func TestTitleRendersSemver(t *testing.T) {
	m := &Manifest{VersionCode: 12, VersionName: "2.1"}
	if got := m.Title(); got != "Breeze update v2.1.0" {
		t.Fatalf("Title = %q", got)
	}
	if got := m.Description(); got != "Downloading version v2.1.0 (build 12)" {
		t.Fatalf("Description = %q", got)
	}

	m.VersionName = "nightly-42"
	if got := m.Title(); got != "Breeze update nightly-42" {
		t.Fatalf("Title = %q", got)
	}
}
