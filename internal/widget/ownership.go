package widget

import (
	"github.com/MarcoPoloResearchLab/filerobot/internal/assets"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
)

// OwnershipPolicy decides whether a principal may edit an asset. It is the
// only ownership check; fetch, save and originals upload all consult it.
type OwnershipPolicy struct {
	UserMustMatch bool
}

// Permits reports whether principal may edit asset. Unowned assets are
// editable by anyone; owned assets only by their owner when matching is on.
func (p OwnershipPolicy) Permits(asset assets.Asset, principal users.Principal) bool {
	if !p.UserMustMatch || !asset.HasOwner() {
		return true
	}
	return principal.IsAuthenticated() && asset.OwnedBy(principal.UserID)
}
