package types

import "time"

// ConnectionState is the user-visible lifecycle state of a broker link.
type ConnectionState string

const (
	StateUnconfigured         ConnectionState = "UNCONFIGURED"
	StatePendingAuthorization ConnectionState = "PENDING_AUTHORIZATION"
	StateExchanging           ConnectionState = "EXCHANGING"
	StateConnected            ConnectionState = "CONNECTED"
	StateExpiring             ConnectionState = "EXPIRING"
	StateExpired              ConnectionState = "EXPIRED"
	StateError                ConnectionState = "ERROR"
	StateDisconnected         ConnectionState = "DISCONNECTED"
)

// BrokerConfig is one broker credential set per (userId, brokerName).
// API key and secret are stored encrypted; the vault decrypts them only
// in memory. At most one active config exists per (userId, brokerName).
type BrokerConfig struct {
	ID             string     `json:"id" gorm:"primaryKey;column:id"`
	UserID         string     `json:"userId" gorm:"column:user_id;index:idx_user_broker,unique"`
	BrokerName     string     `json:"brokerName" gorm:"column:broker_name;index:idx_user_broker,unique"`
	APIKeyEnc      string     `json:"-" gorm:"column:api_key_enc"`
	APISecretEnc   string     `json:"-" gorm:"column:api_secret_enc"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty" gorm:"column:disconnected_at"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" gorm:"column:updated_at"`
}

func (BrokerConfig) TableName() string { return "broker_configs" }

// TokenRecord holds the encrypted session tokens for one BrokerConfig.
// ExpiresAt is always set; an upstream that reports no expiry is
// treated as already expired.
type TokenRecord struct {
	ConfigID        string    `json:"configId" gorm:"primaryKey;column:config_id"`
	AccessTokenEnc  string    `json:"-" gorm:"column:access_token_enc"`
	RefreshTokenEnc string    `json:"-" gorm:"column:refresh_token_enc"`
	TokenType       string    `json:"tokenType" gorm:"column:token_type"`
	ExpiresAt       time.Time `json:"expiresAt" gorm:"column:expires_at"`
	Scope           string    `json:"scope" gorm:"column:scope"`
	CreatedAt       time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt       time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

func (TokenRecord) TableName() string { return "token_records" }

// HasRefreshToken reports whether the upstream issued a refresh token
// for this session.
func (r *TokenRecord) HasRefreshToken() bool {
	return r != nil && r.RefreshTokenEnc != ""
}

// Expired reports whether the access token is past its expiry, after
// subtracting the safety skew.
func (r *TokenRecord) Expired(now time.Time, skew time.Duration) bool {
	if r == nil {
		return true
	}
	return !now.Before(r.ExpiresAt.Add(-skew))
}

// TokenGrant is what a broker adapter returns from an exchange or a
// refresh, before encryption. ExpiresAt is absolute: adapters convert
// upstream durations at call time.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scope        []string
}

// ProbeResult is the outcome of the last upstream health check.
type ProbeResult struct {
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ErrorInfo is the client-facing error envelope carried inside a
// ConnectionStatus.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ConnectionStatus is the derived snapshot of a broker link. It is
// recomputed from BrokerConfig + TokenRecord + the last probe on every
// read and is never the authority for whether a call is allowed.
type ConnectionStatus struct {
	ConfigID    string          `json:"configId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	BrokerName  string          `json:"brokerName,omitempty"`
	State       ConnectionState `json:"state"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"lastChecked"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
}
