package transform

import (
	"math"
	"testing"
)

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		expr  string
		value interface{}
		want  interface{}
	}{
		{"value * 1.8 + 32", 100.0, 212.0},
		{"value / 10", 250, 25.0},
		{"(value + 1) * 2", 3.0, 8.0},
		{"-value", 5.0, -5.0},
		{"value % 3", 10.0, 1.0},
		{"value * 2 + 1", 3, 7.0}, // precedence: * before +
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := Eval(c.expr, c.value)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEvalComparisonsAndLogic(t *testing.T) {
	cases := []struct {
		expr  string
		value interface{}
		want  interface{}
	}{
		{"value > 10", 11.0, true},
		{"value >= 10 && value <= 20", 15.0, true},
		{"value < 5 || value > 95", 50.0, false},
		{"value == 'running'", "running", true},
		{"value != 0", 0.0, false},
		{"!(value > 0)", -1.0, true},
		{"value == true", true, true},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := Eval(c.expr, c.value)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEvalTernary(t *testing.T) {
	got, err := Eval("value > 50 ? 'HIGH' : 'LOW'", 80.0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "HIGH" {
		t.Errorf("got %v, want HIGH", got)
	}

	// Nested ternary is right-associative.
	got, err = Eval("value > 90 ? 'crit' : value > 50 ? 'warn' : 'ok'", 60.0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "warn" {
		t.Errorf("got %v, want warn", got)
	}
}

func TestEvalFunctions(t *testing.T) {
	cases := []struct {
		expr  string
		value interface{}
		want  interface{}
	}{
		{"abs(value)", -3.5, 3.5},
		{"round(value)", 2.5, 3.0},
		{"round(value, 2)", 3.14159, 3.14},
		{"floor(value)", 2.9, 2.0},
		{"ceil(value)", 2.1, 3.0},
		{"min(value, 100)", 250.0, 100.0},
		{"max(value, 0, 10)", -4.0, 10.0},
		{"upper(value)", "run", "RUN"},
		{"lower(value)", "STOP", "stop"},
		{"str(value)", 42.0, "42"},
		{"num(value)", "19.5", 19.5},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := Eval(c.expr, c.value)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEvalStringConcat(t *testing.T) {
	got, err := Eval("'v=' + str(value)", 7.0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "v=7" {
		t.Errorf("got %v", got)
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"value +",
		"value ? 1",       // missing else
		"(value",          // unbalanced paren
		"foo(value)",      // unknown function
		"os_exit(1)",      // no such escape hatch
		"abs(1, 2)",       // wrong arity
		"value @ 2",       // bad character
		"'unterminated",
		"value value",     // trailing token
	} {
		if _, err := Compile(expr); err == nil {
			t.Errorf("Compile(%q): expected error", expr)
		}
	}
}

func TestEvalRuntimeErrors(t *testing.T) {
	for _, c := range []struct {
		expr  string
		value interface{}
	}{
		{"value / 0", 5.0},
		{"value % 0", 5.0},
		{"value + 1", "notanumber"},
		{"abs(value)", nil},
	} {
		if _, err := Eval(c.expr, c.value); err == nil {
			t.Errorf("Eval(%q, %v): expected error", c.expr, c.value)
		}
	}
}

func TestProgramReuse(t *testing.T) {
	prog, err := Compile("round(value * 10) / 10")
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range []float64{1.234, 5.678, 9.999} {
		got, err := prog.Eval(in)
		if err != nil {
			t.Fatal(err)
		}
		want := math.Round(in*10) / 10
		if got != want {
			t.Errorf("Eval(%v) = %v, want %v", in, got, want)
		}
	}
}
