package escrow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fundledger/services/settlementd/models"
)

// OwnerOrAdminAuthorizer grants every action to the campaign owner and to
// the configured administrators.
type OwnerOrAdminAuthorizer struct {
	db     *gorm.DB
	admins map[uuid.UUID]struct{}
}

// NewOwnerOrAdminAuthorizer constructs the default authorizer.
func NewOwnerOrAdminAuthorizer(db *gorm.DB, admins []uuid.UUID) *OwnerOrAdminAuthorizer {
	set := make(map[uuid.UUID]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &OwnerOrAdminAuthorizer{db: db, admins: set}
}

// IsAuthorized implements Authorizer.
func (a *OwnerOrAdminAuthorizer) IsAuthorized(ctx context.Context, userID uuid.UUID, _ string, campaignID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, nil
	}
	if _, ok := a.admins[userID]; ok {
		return true, nil
	}
	var campaign models.Campaign
	err := a.db.WithContext(ctx).Select("id", "owner_id").First(&campaign, "id = ?", campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return campaign.OwnerID == userID, nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID uuid.UUID, action string, campaignID uuid.UUID) (bool, error)

// IsAuthorized implements Authorizer.
func (f AuthorizerFunc) IsAuthorized(ctx context.Context, userID uuid.UUID, action string, campaignID uuid.UUID) (bool, error) {
	return f(ctx, userID, action, campaignID)
}
