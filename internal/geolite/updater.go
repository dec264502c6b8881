package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kestrel/internal/config"

	"github.com/charmbracelet/log"
	"github.com/imroc/req/v3"
	"golang.org/x/sync/singleflight"
)

const (
	countryEdition = "GeoLite2-Country"
	userAgent      = "kestrel-geolite-updater/1.0"
)

var (
	updateGroup singleflight.Group

	// downloadURL is swapped in tests.
	downloadURL = "https://download.maxmind.com/app/geoip_download"
	httpClient  = req.C().SetTimeout(2 * time.Minute).SetUserAgent(userAgent)
)

// ErrNoAPIKey indicates that the GeoLite API key has not been configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

// UpdateDatabase downloads the country edition with the configured API key and
// loads it. Concurrent callers share one download. It returns true when an
// update was applied.
func UpdateDatabase(ctx context.Context) (bool, error) {
	result, err, _ := updateGroup.Do("update", func() (any, error) {
		apiKey := strings.TrimSpace(config.GetConfig().GeoLite.APIKey)
		if apiKey == "" {
			return false, ErrNoAPIKey
		}

		if err := downloadEdition(ctx, apiKey); err != nil {
			return false, err
		}
		if err := Load(); err != nil {
			return false, fmt.Errorf("reload geolite: %w", err)
		}

		if err := config.MarkGeoLiteUpdated(time.Now().UTC()); err != nil {
			log.Warn("Failed to persist GeoLite updated timestamp", "error", err)
		}
		if err := PublishDatabase(ctx); err != nil {
			log.Warn("Failed to publish GeoLite database to redis", "error", err)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func downloadEdition(ctx context.Context, apiKey string) error {
	resp, err := httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"edition_id":  countryEdition,
			"license_key": apiKey,
			"suffix":      "tar.gz",
		}).
		DisableAutoReadResponse().
		Get(downloadURL)
	if err != nil {
		return fmt.Errorf("download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractDatabase(resp.Body, CountryFileName, FilePath(CountryFileName))
}

// extractDatabase copies the file named filename out of a MaxMind tar.gz
// archive to destPath.
func extractDatabase(archive io.Reader, filename, destPath string) error {
	gzipReader, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != filename {
			continue
		}
		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
		return nil
	}

	return fmt.Errorf("%s not found in archive", filename)
}

// writeToFile replaces destPath through a temp file in the same directory.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}
