package forms

// Canonical names a value kept identical across several documents.
type Canonical string

// Canonical shared fields.
const (
	OrganizationName        Canonical = "organizationName"
	ContactPerson           Canonical = "contactPerson"
	TotalPersonnelCosts     Canonical = "totalPersonnelCosts"
	TotalShortSickLeaveCost Canonical = "totalShortSickLeaveCost"
	TotalLongSickLeaveCost  Canonical = "totalLongSickLeaveCost"
)

// AllCanonical lists the canonical fields in display order.
var AllCanonical = []Canonical{
	OrganizationName,
	ContactPerson,
	TotalPersonnelCosts,
	TotalShortSickLeaveCost,
	TotalLongSickLeaveCost,
}

// Valid reports whether c is a known canonical field.
func (c Canonical) Valid() bool {
	_, ok := Mappings[c]
	return ok
}

// FieldRef addresses one field of one form.
type FieldRef struct {
	FormID string
	Field  string
}

// Mapping ties a canonical field to the document it is read from at session
// start and the documents it is mirrored into on write.
type Mapping struct {
	Source  FieldRef
	Targets []FieldRef
}

// Mappings is the canonical field table. Targets never include Source: the
// owning page writes its own field.
var Mappings = map[Canonical]Mapping{
	OrganizationName: {
		Source: FieldRef{FormA, "A1"},
		Targets: []FieldRef{
			{FormB, "B1"},
			{FormC, "C1"},
			{FormD, "D10"},
			{FormI, "I1"},
			{FormJ, "J1"},
		},
	},
	ContactPerson: {
		Source: FieldRef{FormA, "A2"},
		Targets: []FieldRef{
			{FormB, "B2"},
			{FormC, "C2"},
			{FormJ, "J2"},
		},
	},
	TotalPersonnelCosts: {
		Source: FieldRef{FormD, "D9"},
		Targets: []FieldRef{
			{FormH, "H1"},
			{FormJ, "J3"},
		},
	},
	TotalShortSickLeaveCost: {
		Source: FieldRef{FormE, "E8"},
		Targets: []FieldRef{
			{FormH, "H2"},
			{FormI, "I4"},
			{FormJ, "J4"},
		},
	},
	TotalLongSickLeaveCost: {
		Source: FieldRef{FormF, "F8"},
		Targets: []FieldRef{
			{FormH, "H3"},
			{FormI, "I5"},
			{FormJ, "J5"},
		},
	},
}

// SourceDocuments returns the distinct forms read to populate the canonical
// snapshot, in first-use order.
func SourceDocuments() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range AllCanonical {
		f := Mappings[c].Source.FormID
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Published returns the canonical fields formID owns, keyed by field name.
func Published(formID string) map[string]Canonical {
	out := map[string]Canonical{}
	for c, m := range Mappings {
		if m.Source.FormID == formID {
			out[m.Source.Field] = c
		}
	}
	return out
}

// Mirrored returns the canonical fields mirrored into formID, keyed by field name.
func Mirrored(formID string) map[string]Canonical {
	out := map[string]Canonical{}
	for c, m := range Mappings {
		for _, t := range m.Targets {
			if t.FormID == formID {
				out[t.Field] = c
			}
		}
	}
	return out
}
