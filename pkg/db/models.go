package db

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// CheckState is embedded in every entity kind that takes part in the
// periodic checking round-robin. IsChecking marks an in-flight check and
// LastChecked orders the next selection (never-checked entities first).
type CheckState struct {
	IsChecking  bool `gorm:"not null;default:false"`
	LastChecked *time.Time
}

// Credential is one SSH identity. At most one port owns a credential at a
// time; the link is kept on both sides and mutated only through the store.
type Credential struct {
	ID       string `gorm:"primaryKey"`
	Host     string `gorm:"not null;index"`
	Username string
	Password string
	IsLive   bool    `gorm:"not null;default:false"`
	PortID   *string `gorm:"index"`
	CheckState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the credential can be handed to a port.
func (c *Credential) Usable() bool {
	return c.IsLive && c.PortID == nil
}

// Port is one fixed local SOCKS5 endpoint. History holds the IDs of every
// credential the port has worn out, as a JSON array.
type Port struct {
	ID            string `gorm:"primaryKey"`
	Number        int    `gorm:"uniqueIndex;not null"`
	CredentialID  *string
	ExternalIP    string
	TimeConnected *time.Time
	History       datatypes.JSON
	CheckState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsCredential reports whether the port has no assigned credential.
func (p *Port) NeedsCredential() bool {
	return p.CredentialID == nil
}

// ProxyAddress renders the client-facing endpoint for a given machine IP.
func (p *Port) ProxyAddress(host string) string {
	return fmt.Sprintf("socks5://%s:%d", host, p.Number)
}

// HistoryIDs decodes the history column. A missing or corrupt column reads
// as empty rather than failing a selection pass.
func (p *Port) HistoryIDs() []string {
	if len(p.History) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(p.History, &ids); err != nil {
		return nil
	}
	return ids
}

// InHistory reports whether the credential was used by this port before.
func (p *Port) InHistory(credentialID string) bool {
	for _, id := range p.HistoryIDs() {
		if id == credentialID {
			return true
		}
	}
	return false
}

func encodeHistory(ids []string) datatypes.JSON {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return raw
}
