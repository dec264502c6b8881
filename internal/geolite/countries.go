// Package geolite resolves proxy countries from a MaxMind GeoLite2 database and
// keeps that database current.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	dataDir = "data/geolite"

	CountryFileName = "GeoLite2-Country.mmdb"
)

var (
	countryDB *geoip2.Reader
	readerMu  sync.RWMutex
)

// Countries looks up ISO country codes. It answers "" while no database is
// loaded.
type Countries struct{}

func (Countries) Country(ipAddress string) string {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return ""
	}

	readerMu.RLock()
	defer readerMu.RUnlock()
	if countryDB == nil {
		return ""
	}

	record, err := countryDB.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

func FilePath(filename string) string {
	return filepath.Join(dataDir, filename)
}

func Available() bool {
	readerMu.RLock()
	defer readerMu.RUnlock()
	return countryDB != nil
}

// Load opens the country database from disk, replacing the current reader.
// A missing file is not an error; lookups simply stay empty.
func Load() error {
	data, err := os.ReadFile(FilePath(CountryFileName))
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("GeoLite country database not found, proxy countries come from the source only", "path", FilePath(CountryFileName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read country database: %w", err)
	}
	return loadBytes(data)
}

func loadBytes(data []byte) error {
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("open country database: %w", err)
	}

	readerMu.Lock()
	old := countryDB
	countryDB = reader
	readerMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}
