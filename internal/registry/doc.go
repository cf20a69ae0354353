// Package registry tracks which live connection belongs to which merchant and user.
//
// The Registry sits on top of a domain.RegistryStore. Store failures never escape
// it: register and unregister degrade to logged no-ops and resolve degrades to an
// empty target set. Resolution is a full predicate scan per query, paged through
// the store until its continuation cursor runs out or the page budget is spent.
package registry
