package domain

import (
	"time"

	"github.com/google/uuid"
)

// PrivacyMode controls which hashed identity fields a tenant allows in
// outbound payloads.
type PrivacyMode string

const (
	PrivacyStandard     PrivacyMode = "standard"
	PrivacyConservative PrivacyMode = "conservative"
)

// CredentialFormat distinguishes how a tenant's access token is stored.
// Legacy rows hold the token in the clear; migrated rows hold an AES-GCM
// ciphertext keyed per tenant.
type CredentialFormat string

const (
	CredentialPlaintext CredentialFormat = "plaintext"
	CredentialEncrypted CredentialFormat = "encrypted"
)

// TenantCAPIConfig is the per-organization destination configuration.
// Owned by tenant configuration management; read-only here.
type TenantCAPIConfig struct {
	OrganizationID uuid.UUID
	PixelID        string
	Enabled        bool
	PrivacyMode    PrivacyMode
	TestEventCode  string

	// AllowedFields overrides the global per-mode allow-list when non-empty.
	AllowedFields []string

	UpdatedAt time.Time
}

// TenantCredential is a stored access token plus metadata. Owned by the
// credential-management service; this pipeline only reads and decrypts.
type TenantCredential struct {
	OrganizationID uuid.UUID
	Format         CredentialFormat
	Token          string // set when Format == CredentialPlaintext
	Ciphertext     string // base64 blob when Format == CredentialEncrypted
	Active         bool
	UpdatedAt      time.Time
}
