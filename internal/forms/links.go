package forms

// PullLink copies a value computed in another page's saved document.
type PullLink struct {
	Field  string
	Source FieldRef
}

// PullLinks lists the pulled fields per form.
var PullLinks = map[string][]PullLink{
	FormC: {
		{Field: "C4", Source: FieldRef{FormD, "D9"}},
	},
	FormE: {
		{Field: "E1", Source: FieldRef{FormC, "C5"}},
	},
	FormF: {
		{Field: "F1", Source: FieldRef{FormC, "C5"}},
	},
}
