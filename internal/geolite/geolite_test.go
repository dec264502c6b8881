package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractDatabase(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"GeoLite2-Country_20260101/LICENSE.txt":           "license",
		"GeoLite2-Country_20260101/GeoLite2-Country.mmdb": "mmdb-bytes",
	})
	dest := filepath.Join(t.TempDir(), "nested", CountryFileName)

	if err := extractDatabase(bytes.NewReader(archive), CountryFileName, dest); err != nil {
		t.Fatalf("extractDatabase: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "mmdb-bytes" {
		t.Fatalf("extracted %q", data)
	}
}

func TestExtractDatabaseMissingFile(t *testing.T) {
	archive := buildArchive(t, map[string]string{"README": "nothing here"})
	err := extractDatabase(bytes.NewReader(archive), CountryFileName, filepath.Join(t.TempDir(), CountryFileName))
	if err == nil || !strings.Contains(err.Error(), "not found in archive") {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestExtractDatabaseRejectsNonGzip(t *testing.T) {
	if err := extractDatabase(strings.NewReader("plain"), CountryFileName, filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatal("expected a gzip error")
	}
}

func TestDownloadEditionStatusError(t *testing.T) {
	var gotEdition, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEdition = r.URL.Query().Get("edition_id")
		gotKey = r.URL.Query().Get("license_key")
		http.Error(w, "invalid license key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	previous := downloadURL
	downloadURL = srv.URL
	t.Cleanup(func() { downloadURL = previous })

	err := downloadEdition(context.Background(), "secret")
	if err == nil || !strings.Contains(err.Error(), "unexpected status 401") {
		t.Fatalf("error = %v, want status 401", err)
	}
	if gotEdition != countryEdition || gotKey != "secret" {
		t.Fatalf("query = %q / %q", gotEdition, gotKey)
	}
}

func TestUpdateDatabaseWithoutAPIKey(t *testing.T) {
	if _, err := UpdateDatabase(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestCountriesWithoutDatabase(t *testing.T) {
	if Available() {
		t.Skip("a country database is loaded in this environment")
	}
	lookup := Countries{}
	for _, ip := range []string{"8.8.8.8", "not-an-ip", ""} {
		if got := lookup.Country(ip); got != "" {
			t.Fatalf("Country(%q) = %q, want empty", ip, got)
		}
	}
}

func TestLoadBytesRejectsGarbage(t *testing.T) {
	if err := loadBytes([]byte("not a maxmind database")); err == nil {
		t.Fatal("expected an error for an invalid database")
	}
}
