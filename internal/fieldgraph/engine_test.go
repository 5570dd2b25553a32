package fieldgraph

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sumRule(target string, a, b string) Rule {
	return Rule{Target: target, Sources: []string{a, b}, Compute: Func(func(in Inputs) float64 {
		return in.Get(a) + in.Get(b)
	})}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	e, err := New([]Rule{sumRule("T", "X", "Y")}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	fields := models.Fields{"X": "2", "Y": 3.0}

	first := e.Recompute(fields)
	if first["T"] != "5" {
		t.Fatalf("first delta = %v", first)
	}
	second := e.Recompute(fields)
	if len(second) != 0 {
		t.Errorf("second delta = %v, want empty", second)
	}
}

func TestRecomputeBoundedByEdits(t *testing.T) {
	e, _ := New([]Rule{sumRule("T", "X", "Y")}, quietLogger())
	fields := models.Fields{}
	for i := 1; i <= 5; i++ {
		fields["X"] = float64(i)
		for k, v := range e.Recompute(fields) {
			fields[k] = v
		}
	}
	if got := e.Cycles(); got != 5 {
		t.Errorf("cycles = %d, want 5", got)
	}
	if fields["T"] != "5" {
		t.Errorf("T = %v", fields["T"])
	}
}

func TestChainedRulesEvaluateInDependencyOrder(t *testing.T) {
	// Declared out of order: total depends on hours which depends on days.
	rules := []Rule{
		{Target: "cost", Sources: []string{"hours", "rate"}, Compute: Func(func(in Inputs) float64 {
			return in.Get("hours") * in.Get("rate")
		})},
		{Target: "hours", Sources: []string{"days"}, Compute: Func(func(in Inputs) float64 {
			return in.Get("days") * 8
		})},
	}
	e, err := New(rules, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Targets(); got[0] != "hours" || got[1] != "cost" {
		t.Fatalf("order = %v", got)
	}
	delta := e.Recompute(models.Fields{"days": "2", "rate": "10"})
	if delta["hours"] != "16" || delta["cost"] != "160" {
		t.Errorf("delta = %v", delta)
	}
}

func TestCycleRejected(t *testing.T) {
	_, err := New([]Rule{sumRule("A", "B", "x"), sumRule("B", "A", "y")}, nil)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want cycle rejection", err)
	}
	_, err = New([]Rule{sumRule("A", "A", "x")}, nil)
	if err == nil {
		t.Fatal("self-dependency should be rejected")
	}
}

func TestDuplicateTargetRejected(t *testing.T) {
	if _, err := New([]Rule{sumRule("A", "x", "y"), sumRule("A", "x", "z")}, nil); err == nil {
		t.Fatal("duplicate target should be rejected")
	}
}

func TestDivisionByZeroYieldsZero(t *testing.T) {
	e, _ := New([]Rule{
		{Target: "share", Sources: []string{"a", "b"}, Decimals: 1, Compute: Func(func(in Inputs) float64 {
			return Ratio(in.Get("a"), in.Get("b")) * 100
		})},
		{Target: "raw", Sources: []string{"a", "b"}, Compute: Func(func(in Inputs) float64 {
			return in.Get("a") / in.Get("b")
		})},
	}, quietLogger())
	for _, fields := range []models.Fields{
		{"a": "5", "b": "0"},
		{"a": "0", "b": ""},
		{"a": "x", "b": "y"},
		{},
	} {
		delta, err := e.Evaluate(fields)
		if err != nil {
			t.Fatalf("Evaluate(%v): %v", fields, err)
		}
		if delta["share"] != "0.0" || delta["raw"] != "0" {
			t.Errorf("Evaluate(%v) = %v", fields, delta)
		}
	}
}

func TestComputeFaultLeavesNoDelta(t *testing.T) {
	e, _ := New([]Rule{
		sumRule("ok", "x", "y"),
		{Target: "boom", Sources: []string{"x"}, Compute: Func(func(in Inputs) float64 {
			if in.Get("x") > 1 {
				panic("bad input")
			}
			return 1
		})},
	}, quietLogger())

	if d := e.Recompute(models.Fields{"x": "1"}); len(d) != 2 {
		t.Fatalf("initial delta = %v", d)
	}
	before := e.Snapshot()
	if d := e.Recompute(models.Fields{"x": "5"}); len(d) != 0 {
		t.Errorf("faulting cycle delta = %v, want empty", d)
	}
	after := e.Snapshot()
	if after["ok"] != before["ok"] {
		t.Error("snapshot changed on faulting cycle")
	}
	if _, err := e.Evaluate(models.Fields{"x": "5"}); !errors.Is(err, apperr.ErrComputeFault) {
		t.Errorf("Evaluate err = %v, want ErrComputeFault", err)
	}
}

func TestResetForgetsSnapshot(t *testing.T) {
	e, _ := New([]Rule{sumRule("T", "X", "Y")}, quietLogger())
	fields := models.Fields{"X": "1"}
	e.Recompute(fields)
	e.Reset()
	if d := e.Recompute(fields); d["T"] != "1" {
		t.Errorf("delta after reset = %v", d)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		v    float64
		d    int
		want string
	}{
		{6000, 0, "6000"},
		{2.5, 0, "3"},
		{-2.5, 0, "-3"},
		{12.345, 1, "12.3"},
		{-0.0001, 0, "0"},
		{1.2345, 2, "1.23"},
	}
	for _, c := range cases {
		if got := Format(c.v, c.d); got != c.want {
			t.Errorf("Format(%v, %d) = %q, want %q", c.v, c.d, got, c.want)
		}
	}
}
