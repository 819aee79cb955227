package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind classifies a knowledge source.
type SourceKind string

const (
	SourceKindRepo SourceKind = "repo"
	SourceKindDocs SourceKind = "docs"
	SourceKindWiki SourceKind = "wiki"
)

// ValidSourceKind reports whether k is a known kind.
func ValidSourceKind(k SourceKind) bool {
	switch k {
	case SourceKindRepo, SourceKindDocs, SourceKindWiki:
		return true
	}
	return false
}

// Source is a selectable knowledge source. SourceID is the stable slug the
// query API accepts in source_ids; ID is the database key.
type Source struct {
	ID        uuid.UUID  `json:"id"`
	SourceID  string     `json:"source_id"`
	Name      string     `json:"name"`
	Kind      SourceKind `json:"kind"`
	URI       *string    `json:"uri,omitempty"`
	Branch    *string    `json:"branch,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Field length limits for source fields stored in Postgres TEXT columns.
const (
	MaxSourceIDLen   = 100
	MaxSourceNameLen = 200
)

// sourceIDAllowed matches the characters permitted in a source slug.
func sourceIDAllowed(r rune) bool {
	return r == '-' || r == '_' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// ValidateSourceID checks the slug format used in source_ids.
func ValidateSourceID(id string) error {
	if id == "" {
		return fmt.Errorf("source_id is required")
	}
	if len(id) > MaxSourceIDLen {
		return fmt.Errorf("source_id exceeds maximum length of %d characters", MaxSourceIDLen)
	}
	for _, r := range id {
		if !sourceIDAllowed(r) {
			return fmt.Errorf("source_id may only contain lowercase letters, digits, '-', '_' and '.'")
		}
	}
	return nil
}

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURI.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURI ensures a source URI is a safe, publicly-routable
// http/https URL. Rejects javascript: and file: schemes (XSS via the
// console UI), embedded credentials, and private/loopback addresses
// (future SSRF surface).
func ValidateSourceURI(rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("uri must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("uri must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("uri must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("uri must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("uri must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// CreateSourceRequest is the request body for POST /v1/sources.
type CreateSourceRequest struct {
	SourceID string     `json:"source_id"`
	Name     string     `json:"name"`
	Kind     SourceKind `json:"kind"`
	URI      *string    `json:"uri,omitempty"`
	Branch   *string    `json:"branch,omitempty"`
	Enabled  *bool      `json:"enabled,omitempty"`
}

// Validate checks a create request before it reaches storage.
func (r CreateSourceRequest) Validate() error {
	if err := ValidateSourceID(r.SourceID); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxSourceNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxSourceNameLen)
	}
	if !ValidSourceKind(r.Kind) {
		return fmt.Errorf("kind must be one of repo, docs, wiki (got %q)", r.Kind)
	}
	if r.URI != nil {
		if err := ValidateSourceURI(*r.URI); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSourceRequest is the request body for PATCH /v1/sources/{id}.
// Nil fields are left unchanged.
type UpdateSourceRequest struct {
	Name    *string `json:"name,omitempty"`
	URI     *string `json:"uri,omitempty"`
	Branch  *string `json:"branch,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Validate checks an update request.
func (r UpdateSourceRequest) Validate() error {
	if r.Name != nil {
		if *r.Name == "" {
			return fmt.Errorf("name must not be empty")
		}
		if len(*r.Name) > MaxSourceNameLen {
			return fmt.Errorf("name exceeds maximum length of %d characters", MaxSourceNameLen)
		}
	}
	if r.URI != nil {
		if err := ValidateSourceURI(*r.URI); err != nil {
			return err
		}
	}
	return nil
}
