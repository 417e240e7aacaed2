package registry

import "time"

// Profile is one remote host the client knows how to reach.
type Profile struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label,omitempty" json:"label,omitempty"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secure bool   `yaml:"secure,omitempty" json:"secure,omitempty"`

	Token           string    `yaml:"token,omitempty" json:"-"`
	TokenAcquiredAt time.Time `yaml:"token_acquired_at,omitempty" json:"token_acquired_at,omitempty"`
	TokenExpiresAt  time.Time `yaml:"token_expires_at,omitempty" json:"token_expires_at,omitempty"`
}
