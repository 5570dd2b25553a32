package mcpserver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/starford/formsync/internal/forms"
)

const contractHeader = `# Formsync Field Contract

Each form is stored as one document per user: a flat JSON object of field
names to values. Numbers may be sent as JSON numbers or numeric strings.

## Rules

1. **Derived fields are computed.** Values sent for a derived field are
   replaced by the computed result on every save.
2. **Shared fields have one owner.** Write a shared field with
   ` + "`write_shared_field`" + `; the value is copied into every mirror.
   Mirrored fields are overwritten by the owner's value.
3. **Pulled fields copy another form's saved value.** Save the source form
   first; the pulling form reads it the next time it is opened.
4. **Open pages own their document.** Direct writes to a form that is open
   for editing fail with a conflict.
5. **Updates are optimistic.** Pass the ` + "`checksum`" + ` returned by a load as
   ` + "`ifMatch`" + ` to reject writes over a newer version.
`

// FieldContract renders the field contract for the catalogue c.
func FieldContract(c *forms.Catalog) string {
	var b strings.Builder
	b.WriteString(contractHeader)

	b.WriteString("\n## Forms\n\n")
	for _, id := range c.FormIDs() {
		p, _ := c.Page(id)
		targets := make([]string, 0, len(p.Rules))
		for _, r := range p.Rules {
			targets = append(targets, r.Target)
		}
		sort.Strings(targets)
		fmt.Fprintf(&b, "- `%s` %s", id, p.Title)
		if len(targets) > 0 {
			fmt.Fprintf(&b, " (derived: %s)", strings.Join(targets, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Shared fields\n\n")
	for _, name := range forms.AllCanonical {
		m := forms.Mappings[name]
		mirrors := make([]string, 0, len(m.Targets))
		for _, t := range m.Targets {
			mirrors = append(mirrors, t.FormID+"."+t.Field)
		}
		fmt.Fprintf(&b, "- `%s` owned by %s.%s, mirrored to %s\n",
			name, m.Source.FormID, m.Source.Field, strings.Join(mirrors, ", "))
	}

	b.WriteString("\n## Pulled fields\n\n")
	ids := make([]string, 0, len(forms.PullLinks))
	for id := range forms.PullLinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, l := range forms.PullLinks[id] {
			fmt.Fprintf(&b, "- %s.%s from %s.%s\n", id, l.Field, l.Source.FormID, l.Source.Field)
		}
	}
	return b.String()
}
