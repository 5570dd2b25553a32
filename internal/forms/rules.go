package forms

import fg "github.com/starford/formsync/internal/fieldgraph"

// rule builds a whole-unit rule.
func rule(target string, sources []string, f func(fg.Inputs) float64) fg.Rule {
	return fg.Rule{Target: target, Sources: sources, Compute: fg.Func(f)}
}

// ruleDec builds a rule rounded to decimals fraction digits.
func ruleDec(target string, decimals int, sources []string, f func(fg.Inputs) float64) fg.Rule {
	r := rule(target, sources, f)
	r.Decimals = decimals
	return r
}

func organizationRules() []fg.Rule {
	return []fg.Rule{
		// A5: contractual hours across the whole workforce.
		rule("A5", []string{"A3", "A4"}, func(in fg.Inputs) float64 {
			return in.Get("A3") * in.Get("A4")
		}),
	}
}

func absenceRules() []fg.Rule {
	return []fg.Rule{
		rule("B5", []string{"B3", "B4"}, func(in fg.Inputs) float64 {
			return in.Get("B3") + in.Get("B4")
		}),
		ruleDec("B6", 1, []string{"B3", "B5"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("B3"), in.Get("B5")) * 100
		}),
		ruleDec("B8", 1, []string{"B5", "B7"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("B5"), in.Get("B7"))
		}),
	}
}

func hoursRules() []fg.Rule {
	return []fg.Rule{
		// C5: hourly personnel cost, kept to cents since it is a multiplier downstream.
		ruleDec("C5", 2, []string{"C4", "C3"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("C4"), in.Get("C3"))
		}),
	}
}

func personnelRules() []fg.Rule {
	return []fg.Rule{
		// D3: employer contributions on the monthly wage.
		rule("D3", []string{"D1", "D2"}, func(in fg.Inputs) float64 {
			return in.Get("D1") * fg.Percent(in.Get("D2"))
		}),
		rule("D6", []string{"D1", "D3", "D4", "D5"}, func(in fg.Inputs) float64 {
			return (in.Get("D1") + in.Get("D3")) * in.Get("D4") * in.Get("D5")
		}),
		rule("D8", []string{"D6", "D7"}, func(in fg.Inputs) float64 {
			return in.Get("D6") * fg.Percent(in.Get("D7"))
		}),
		rule("D9", []string{"D6", "D8"}, func(in fg.Inputs) float64 {
			return in.Get("D6") + in.Get("D8")
		}),
	}
}

// sickLeaveRules covers the short- and long-term cost pages, which share a
// layout under different prefixes: 1 hourly cost, 2 days, 3 hours per day,
// 4 lost hours, 5 wage cost, 6 surcharge %, 7 surcharge, 8 total.
func sickLeaveRules(p string) []fg.Rule {
	f := func(n string) string { return p + n }
	return []fg.Rule{
		ruleDec(f("4"), 1, []string{f("2"), f("3")}, func(in fg.Inputs) float64 {
			return in.Get(f("2")) * in.Get(f("3"))
		}),
		rule(f("5"), []string{f("4"), f("1")}, func(in fg.Inputs) float64 {
			return in.Get(f("4")) * in.Get(f("1"))
		}),
		rule(f("7"), []string{f("5"), f("6")}, func(in fg.Inputs) float64 {
			return in.Get(f("5")) * fg.Percent(in.Get(f("6")))
		}),
		rule(f("8"), []string{f("5"), f("7")}, func(in fg.Inputs) float64 {
			return in.Get(f("5")) + in.Get(f("7"))
		}),
	}
}

func productionRules() []fg.Rule {
	return []fg.Rule{
		// G3: total production loss %, one decimal.
		ruleDec("G3", 1, []string{"G1", "G2"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("G1")-in.Get("G2"), in.Get("G1")) * 100
		}),
		rule("G5", []string{"G1", "G2", "G4"}, func(in fg.Inputs) float64 {
			return (in.Get("G1") - in.Get("G2")) * in.Get("G4")
		}),
		rule("G10", []string{"G5", "G9_external"}, func(in fg.Inputs) float64 {
			return in.Get("G5") + in.Get("G9_external")
		}),
	}
}

func summaryRules() []fg.Rule {
	return []fg.Rule{
		rule("H4", []string{"H2", "H3"}, func(in fg.Inputs) float64 {
			return in.Get("H2") + in.Get("H3")
		}),
		ruleDec("H5", 1, []string{"H4", "H1"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("H4"), in.Get("H1")) * 100
		}),
	}
}

func interventionRules() []fg.Rule {
	return []fg.Rule{
		rule("I6", []string{"I4", "I5", "I3"}, func(in fg.Inputs) float64 {
			return (in.Get("I4") + in.Get("I5")) * fg.Percent(in.Get("I3"))
		}),
		rule("I7", []string{"I6", "I2"}, func(in fg.Inputs) float64 {
			return in.Get("I6") - in.Get("I2")
		}),
		ruleDec("I8", 1, []string{"I7", "I2"}, func(in fg.Inputs) float64 {
			return fg.Ratio(in.Get("I7"), in.Get("I2")) * 100
		}),
	}
}

func reportRules() []fg.Rule {
	return []fg.Rule{
		rule("J6", []string{"J4", "J5"}, func(in fg.Inputs) float64 {
			return in.Get("J4") + in.Get("J5")
		}),
	}
}
