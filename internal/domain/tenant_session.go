package domain

import "time"

// TenantSession mirrors the pairing status of one tenant's provider session.
// It is bookkeeping only; the live session state lives in memory and the
// login material lives in the per-tenant credential directory.
type TenantSession struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"uniqueIndex"`
	Jid       string    `json:"jid"` // provider identity, populated after pairing
	Status    string    `json:"status"`
	PairedAt  time.Time `json:"paired_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TenantSession) TableName() string {
	return "tenant_session"
}
