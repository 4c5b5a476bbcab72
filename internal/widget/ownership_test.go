package widget

import (
	"testing"

	"github.com/MarcoPoloResearchLab/filerobot/internal/assets"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"github.com/stretchr/testify/require"
)

func TestOwnershipPolicyPermits(t *testing.T) {
	ownerID := "user-1"
	owned := assets.Asset{ID: 1, OwnerUserID: &ownerID}
	unowned := assets.Asset{ID: 2}
	owner := users.Principal{UserID: "user-1", Username: "alice"}
	stranger := users.Principal{UserID: "user-2", Username: "bob"}

	testCases := []struct {
		name      string
		policy    OwnershipPolicy
		asset     assets.Asset
		principal users.Principal
		permitted bool
	}{
		{name: "owner", policy: OwnershipPolicy{UserMustMatch: true}, asset: owned, principal: owner, permitted: true},
		{name: "stranger", policy: OwnershipPolicy{UserMustMatch: true}, asset: owned, principal: stranger, permitted: false},
		{name: "anonymous", policy: OwnershipPolicy{UserMustMatch: true}, asset: owned, principal: users.Principal{}, permitted: false},
		{name: "unowned", policy: OwnershipPolicy{UserMustMatch: true}, asset: unowned, principal: stranger, permitted: true},
		{name: "matching disabled", policy: OwnershipPolicy{}, asset: owned, principal: stranger, permitted: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.permitted, testCase.policy.Permits(testCase.asset, testCase.principal))
		})
	}
}
