// Package forms describes the wizard's pages: their derived-field rules, the
// canonical fields they share and the values they pull from each other.
package forms

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/formsync/internal/fieldgraph"
)

// Form ids.
const (
	FormA = "form-a" // organization
	FormB = "form-b" // absence days
	FormC = "form-c" // working hours and hourly cost
	FormD = "form-d" // personnel costs
	FormE = "form-e" // short-term sick leave cost
	FormF = "form-f" // long-term sick leave cost
	FormG = "form-g" // production loss
	FormH = "form-h" // cost summary
	FormI = "form-i" // interventions
	FormJ = "form-j" // report cover
)

// Page is one wizard page.
type Page struct {
	ID    string
	Title string
	Rules []fieldgraph.Rule
}

// Catalog is an immutable set of pages.
type Catalog struct {
	pages map[string]Page
}

// Default returns the built-in ten-page catalogue.
func Default() *Catalog {
	pages := []Page{
		{ID: FormA, Title: "Organization", Rules: organizationRules()},
		{ID: FormB, Title: "Absence days", Rules: absenceRules()},
		{ID: FormC, Title: "Working hours", Rules: hoursRules()},
		{ID: FormD, Title: "Personnel costs", Rules: personnelRules()},
		{ID: FormE, Title: "Short-term sick leave", Rules: sickLeaveRules("E")},
		{ID: FormF, Title: "Long-term sick leave", Rules: sickLeaveRules("F")},
		{ID: FormG, Title: "Production loss", Rules: productionRules()},
		{ID: FormH, Title: "Cost summary", Rules: summaryRules()},
		{ID: FormI, Title: "Interventions", Rules: interventionRules()},
		{ID: FormJ, Title: "Report", Rules: reportRules()},
	}
	c := &Catalog{pages: make(map[string]Page, len(pages))}
	for _, p := range pages {
		c.pages[p.ID] = p
	}
	return c
}

// Page returns the page for formID.
func (c *Catalog) Page(formID string) (Page, bool) {
	p, ok := c.pages[formID]
	return p, ok
}

// FormIDs returns every form id in sorted order.
func (c *Catalog) FormIDs() []string {
	out := make([]string, 0, len(c.pages))
	for id := range c.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Engine builds a fresh field graph engine for formID.
func (c *Catalog) Engine(formID string, logger *slog.Logger) (*fieldgraph.Engine, error) {
	p, ok := c.pages[formID]
	if !ok {
		return nil, fmt.Errorf("forms: unknown form %q", formID)
	}
	return fieldgraph.New(p.Rules, logger)
}

// Extend returns a catalogue where extra rules are added to their forms.
// An extra rule replaces a built-in rule with the same target. Unknown forms
// become new pages. Every resulting page must still form a DAG.
func (c *Catalog) Extend(extra map[string][]fieldgraph.Rule) (*Catalog, error) {
	out := &Catalog{pages: make(map[string]Page, len(c.pages))}
	for id, p := range c.pages {
		out.pages[id] = p
	}
	for formID, rules := range extra {
		p, ok := out.pages[formID]
		if !ok {
			p = Page{ID: formID, Title: formID}
		}
		merged := make([]fieldgraph.Rule, 0, len(p.Rules)+len(rules))
		override := make(map[string]struct{}, len(rules))
		for _, r := range rules {
			override[r.Target] = struct{}{}
		}
		for _, r := range p.Rules {
			if _, ok := override[r.Target]; !ok {
				merged = append(merged, r)
			}
		}
		merged = append(merged, rules...)
		if _, err := fieldgraph.New(merged, nil); err != nil {
			return nil, fmt.Errorf("forms: %s: %w", formID, err)
		}
		p.Rules = merged
		out.pages[formID] = p
	}
	return out, nil
}
