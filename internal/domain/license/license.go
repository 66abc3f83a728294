package license

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("license: not found")
	ErrInactive = errors.New("license: inactive")
)

// License entitles one user to downloads and updates of one product.
// There is at most one active license per (user, product); repeat purchases
// extend the existing record instead of creating a second one.
type License struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ProductID     uuid.UUID
	ProductName   string
	OriginOrderID uuid.UUID
	DownloadQuota int
	UpdatesUntil  time.Time
	Active        bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(userID, productID, orderID uuid.UUID, productName string, quota int, updatesUntil time.Time) *License {
	now := time.Now().UTC()
	return &License{
		ID:            uuid.New(),
		UserID:        userID,
		ProductID:     productID,
		ProductName:   productName,
		OriginOrderID: orderID,
		DownloadQuota: quota,
		UpdatesUntil:  updatesUntil,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Extend adds the purchased quota and pushes the update window out to the later
// of the existing and the new expiry. A deactivated license is revived by a new
// purchase.
func (l *License) Extend(quota int, updatesUntil time.Time) {
	l.DownloadQuota += quota
	if updatesUntil.After(l.UpdatesUntil) {
		l.UpdatesUntil = updatesUntil
	}
	l.Active = true
	l.UpdatedAt = time.Now().UTC()
}

// Deactivate disables the license without deleting it, preserving history.
func (l *License) Deactivate() {
	l.Active = false
	l.UpdatedAt = time.Now().UTC()
}

func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}
