package permissions

// Built-in policies for the three system groups. These are forced onto the
// well-known group ids at load time, so stored copies can never drift from
// them.
var (
	AdminPolicy    = PolicyType{"entities": true}
	UserPolicy     = PolicyType{"entities": true}
	ReadOnlyPolicy = PolicyType{"entities": PolicyType{"all": PolicyType{PolicyRead: true}}}
)
