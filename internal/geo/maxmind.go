package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IP addresses to country codes using a MaxMind
// GeoLite2 database. Enrichment only: lookups never fail ingestion.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the GeoIP database at dbPath.
func NewMaxMindResolver(dbPath string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Country returns the ISO country code for ip, or "" when unresolvable.
func (r *MaxMindResolver) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := r.reader.Country(parsed)
	if err != nil || record == nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the underlying database handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}
