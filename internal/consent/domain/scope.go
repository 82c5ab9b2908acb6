package domain

import "slices"

const (
	ScopeAccounts     = "accounts"
	ScopeBalances     = "balances"
	ScopeTransactions = "transactions"
	ScopePayments     = "payments"
)

// Scopes lists the scopes granted by the consent flags in a stable order.
// The same list is frozen onto every token minted from the consent.
func (c *Consent) Scopes() []string {
	return c.Permissions().Scopes()
}

func (p Permissions) Scopes() []string {
	scopes := make([]string, 0, 4)
	if p.Accounts {
		scopes = append(scopes, ScopeAccounts)
	}
	if p.Balances {
		scopes = append(scopes, ScopeBalances)
	}
	if p.Transactions {
		scopes = append(scopes, ScopeTransactions)
	}
	if p.PaymentInitiation {
		scopes = append(scopes, ScopePayments)
	}
	return scopes
}

// Grants reports whether every required scope maps to a granted flag.
// Unknown scopes are never granted.
func (p Permissions) Grants(required []string) bool {
	granted := p.Scopes()
	for _, scope := range required {
		if !slices.Contains(granted, scope) {
			return false
		}
	}
	return true
}

// PermissionsFromScopes is the inverse of Permissions.Scopes.
func PermissionsFromScopes(scopes []string) Permissions {
	return Permissions{
		Accounts:          slices.Contains(scopes, ScopeAccounts),
		Balances:          slices.Contains(scopes, ScopeBalances),
		Transactions:      slices.Contains(scopes, ScopeTransactions),
		PaymentInitiation: slices.Contains(scopes, ScopePayments),
	}
}
