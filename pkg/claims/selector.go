package claims

import (
	"github.com/campushub/tenantclaims/pkg/tenants"
)

// SelectCustomer chooses the session's current customer from the matched set,
// or nil when the choice is ambiguous and must be made later through the
// customer-selection endpoint.
//
// A federated login carrying a domain claim pins the session to the customer
// registered for that domain, regardless of how many other active customers the
// person has. Without a domain claim the choice is only made when it is
// unambiguous.
func SelectCustomer(matches []tenants.Match, federatedDomain string) *tenants.Customer {
	var active []*tenants.Customer
	for i := range matches {
		if matches[i].Active {
			active = append(active, &matches[i].Customer)
		}
	}

	if federatedDomain != "" {
		var byDomain []*tenants.Customer
		for _, customer := range active {
			if customer.FederatedDomain == federatedDomain {
				byDomain = append(byDomain, customer)
			}
		}
		if len(byDomain) == 1 {
			return byDomain[0]
		}
	}

	if len(active) == 1 {
		return active[0]
	}
	return nil
}
