package permissions

import "strings"

// Checker answers permission questions for one subject. Implementations are
// immutable once built.
type Checker interface {
	// CheckEntity reports whether the subject may perform key
	// (read/control/edit) on the entity.
	CheckEntity(entityID string, key string) bool

	// AccessAllEntities reports whether the subject may perform key on
	// every entity.
	AccessAllEntities(key string) bool
}

// OwnerPermissions grants everything. Assigned to the owner user regardless
// of group membership.
var OwnerPermissions Checker = ownerPermissions{}

type ownerPermissions struct{}

func (ownerPermissions) CheckEntity(string, string) bool { return true }
func (ownerPermissions) AccessAllEntities(string) bool   { return true }

// NewChecker builds a Checker from a merged policy.
func NewChecker(policy PolicyType) Checker {
	return policyChecker{policy: policy}
}

type policyChecker struct {
	policy PolicyType
}

func (c policyChecker) CheckEntity(entityID, key string) bool {
	entities := c.policy["entities"]
	if entities == nil {
		return false
	}
	if entities == true {
		return true
	}

	m, ok := toMap(entities)
	if !ok {
		return false
	}

	if granted, decided := lookup(m["entity_ids"], entityID, key); decided {
		return granted
	}
	if domain, _, found := strings.Cut(entityID, "."); found {
		if granted, decided := lookup(m["domains"], domain, key); decided {
			return granted
		}
	}
	if granted, decided := grant(m["all"], key); decided {
		return granted
	}
	return false
}

func (c policyChecker) AccessAllEntities(key string) bool {
	entities := c.policy["entities"]
	if entities == true {
		return true
	}
	m, ok := toMap(entities)
	if !ok {
		return false
	}
	granted, decided := grant(m["all"], key)
	return decided && granted
}

// lookup resolves a subcategory (entity_ids / domains) for one id. The
// second return is false when the policy says nothing about the id.
func lookup(category any, id, key string) (bool, bool) {
	if category == nil {
		return false, false
	}
	if category == true {
		return true, true
	}
	m, ok := toMap(category)
	if !ok {
		return false, false
	}
	return grant(m[id], key)
}

func grant(v any, key string) (bool, bool) {
	if v == nil {
		return false, false
	}
	if v == true {
		return true, true
	}
	m, ok := toMap(v)
	if !ok {
		return false, true
	}
	granted, _ := m[key].(bool)
	return granted, true
}
