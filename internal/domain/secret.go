package domain

import "time"

// IntegrationType is the closed set of credential shapes the vault validates
// a Secret payload against on write.
type IntegrationType string

const (
	IntegrationSMTP      IntegrationType = "smtp"
	IntegrationOAuth2    IntegrationType = "oauth2"
	IntegrationJWT       IntegrationType = "jwt"
	IntegrationCookie    IntegrationType = "cookie"
	IntegrationSFTP      IntegrationType = "sftp_ftp"
	IntegrationDB        IntegrationType = "db"
	IntegrationAPIKey    IntegrationType = "api_key"
	IntegrationQueue     IntegrationType = "queue_broker"
	IntegrationAzureBlob IntegrationType = "azure_blob"
	IntegrationCustom    IntegrationType = "custom"
)

// Secret is one vault-held credential. The raw payload is never stored —
// only its AES-256-GCM envelope plus metadata safe to surface unencrypted.
type Secret struct {
	ID              string          `json:"id"`
	IntegrationType IntegrationType `json:"integration_type"`
	Label           string          `json:"label"`
	Ciphertext      []byte          `json:"ciphertext"`
	IV              []byte          `json:"iv"`
	AuthTag         []byte          `json:"auth_tag"`
	Metadata        SecretMetadata  `json:"metadata"`
	Enabled         bool            `json:"enabled"`
	LastRotatedAt   time.Time       `json:"last_rotated_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SecretMetadata is the nonsensitive subset of a secret's payload, safe to
// return from read APIs without decrypting the envelope.
type SecretMetadata struct {
	Host        string `json:"host,omitempty"`
	Username    string `json:"username,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// VaultState is the lifecycle state of the secrets vault.
type VaultState string

const (
	VaultStateUninitialized VaultState = "uninitialized"
	VaultStateLocked        VaultState = "locked"
	VaultStateUnlocked      VaultState = "unlocked"
)

// MasterKey is the vault's single Argon2id-derived key record. The derived
// raw key itself is never a field here — it lives only in the unlocked
// vault's RAM.
type MasterKey struct {
	Salt             []byte     `json:"salt"`
	Hash             []byte     `json:"hash"`
	ArgonMemoryKiB   uint32     `json:"argon_memory_kib"`
	ArgonIterations  uint32     `json:"argon_iterations"`
	ArgonParallelism uint8      `json:"argon_parallelism"`
	FailedAttempts   int        `json:"failed_attempts"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
}
