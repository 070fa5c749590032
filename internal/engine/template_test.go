package engine

import "testing"

func TestSubstitute(t *testing.T) {
	vars := map[string]interface{}{
		"name":  "Alice",
		"count": 3.0,
		"ok":    true,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hello {{name}}", "Hello Alice"},
		{"with spaces", "Hello {{ name }}", "Hello Alice"},
		{"float drops trailing zeros", "n={{count}}", "n=3"},
		{"bool", "ok={{ok}}", "ok=true"},
		{"unresolved stays verbatim", "Hi {{missing}}!", "Hi {{missing}}!"},
		{"multiple", "{{name}} x{{count}}", "Alice x3"},
		{"no placeholders", "plain text", "plain text"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Substitute(tt.in, vars); got != tt.want {
				t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEvaluator(t *testing.T) {
	eval := NewEvaluator()
	env := map[string]interface{}{"score": 7.5, "content": "hello"}

	t.Run("arithmetic", func(t *testing.T) {
		v, err := eval.Evaluate("score * 2", env)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if v.(float64) != 15 {
			t.Errorf("expected 15, got %v", v)
		}
	})

	t.Run("bool coercion", func(t *testing.T) {
		ok, err := eval.EvaluateBool(`content contains "ell"`, env)
		if err != nil {
			t.Fatalf("EvaluateBool failed: %v", err)
		}
		if !ok {
			t.Error("expected true")
		}
	})

	t.Run("malformed expression errors", func(t *testing.T) {
		if _, err := eval.Evaluate("((", env); err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("cached program works with a different env", func(t *testing.T) {
		if _, err := eval.Evaluate("score * 2", env); err != nil {
			t.Fatalf("first evaluation failed: %v", err)
		}
		v, err := eval.Evaluate("score * 2", map[string]interface{}{"score": 1.0})
		if err != nil {
			t.Fatalf("second evaluation failed: %v", err)
		}
		if v.(float64) != 2 {
			t.Errorf("expected 2, got %v", v)
		}
	})
}
