package types

import "time"

// Alias is an unlinkable routing identity layered over the base wallet key.
// Switching aliases changes which note-set future private sends draw from,
// not the underlying keys.
type Alias struct {
	AliasID     string
	DisplayName string
	Address     string
	IsActive    bool
	CreatedAt   time.Time
}
