// Package permissions merges group policies into a permission-check
// capability. To the rest of the auth core a policy is opaque: groups carry
// one, users get the merge of their groups' policies, and the only question
// anyone asks is "may this subject do X to entity Y".
package permissions

// PolicyType is a nested permission policy. A boolean true grants
// unconditionally at that level; a map narrows the grant further down.
type PolicyType map[string]any

// Permission keys understood by entity policies.
const (
	PolicyRead    = "read"
	PolicyControl = "control"
	PolicyEdit    = "edit"
)

// MergePolicies combines multiple policies into one. A true value always
// dominates, maps merge recursively, and keys present in only one policy
// carry over as-is.
func MergePolicies(policies []PolicyType) PolicyType {
	merged := PolicyType{}
	for _, policy := range policies {
		for key, value := range policy {
			merged[key] = mergeValues(merged[key], value)
		}
	}
	return merged
}

func mergeValues(a, b any) any {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a == true || b == true {
		return true
	}

	am, aOK := toMap(a)
	bm, bOK := toMap(b)
	if aOK && bOK {
		out := PolicyType{}
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			out[k] = mergeValues(out[k], v)
		}
		return out
	}
	return a
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case PolicyType:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}
