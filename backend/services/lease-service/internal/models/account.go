package models

import "time"

// Account holds a holder's prepaid point balance.
type Account struct {
	HolderID   string     `db:"holder_id" json:"holder_id"`
	Balance    int        `db:"balance" json:"balance"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}
