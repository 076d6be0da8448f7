package retention

import (
	"testing"

	"github.com/xtxerr/statline/internal/errors"
)

func testRules(t *testing.T) *Rules {
	t.Helper()
	r, err := NewRules(DefaultRule(),
		Rule{Pattern: "#", LifetimeDays: 360, SizeSec: 300},
		Rule{Pattern: "lib.#", LifetimeDays: 180, SizeSec: 300},
		Rule{Pattern: "lib.atoms.#", LifetimeDays: 90, SizeSec: 60},
		Rule{Pattern: "lib.+.rx", LifetimeDays: 30, SizeSec: 30},
		Rule{Pattern: "devices.#", LifetimeDays: 0, SizeSec: 60},
	)
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}
	return r
}

func TestRulesLookup(t *testing.T) {
	r := testRules(t)

	tests := []struct {
		name    string
		pattern string
		days    int
	}{
		{"lib.atoms.temp", "lib.atoms.#", 90},
		{"lib.cpu", "lib.#", 180},
		{"lib.net.rx", "lib.+.rx", 30},
		{"lib.net.eth0.rx", "lib.#", 180},
		{"devices.kitchen.light", "devices.#", 0},
		{"modules.x", "#", 360},
		{"library", "#", 360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := r.Lookup(tt.name)
			if rule.Pattern != tt.pattern {
				t.Errorf("Lookup(%q) = %q, want %q", tt.name, rule.Pattern, tt.pattern)
			}
			if rule.LifetimeDays != tt.days {
				t.Errorf("Lookup(%q) lifetime = %d, want %d", tt.name, rule.LifetimeDays, tt.days)
			}
		})
	}
}

func TestRulesFallback(t *testing.T) {
	r, err := NewRules(Rule{Pattern: "#", LifetimeDays: 7, SizeSec: 60},
		Rule{Pattern: "energy.#", LifetimeDays: 0},
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := r.Lookup("lib.cpu"); got.LifetimeDays != 7 {
		t.Errorf("expected fallback lifetime 7, got %+v", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", r.Len())
	}
}

func TestRulesLiteralCharacters(t *testing.T) {
	r, err := NewRules(DefaultRule(), Rule{Pattern: "a.b", LifetimeDays: 1})
	if err != nil {
		t.Fatal(err)
	}

	if got := r.Lookup("axb"); got.Pattern == "a.b" {
		t.Error("dot in a pattern must match a literal dot")
	}
	if got := r.Lookup("a.b"); got.Pattern != "a.b" {
		t.Errorf("expected exact match, got %q", got.Pattern)
	}
}

func TestRulesInvalid(t *testing.T) {
	if _, err := NewRules(DefaultRule(), Rule{Pattern: " ", LifetimeDays: 1}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if _, err := NewRules(DefaultRule(), Rule{Pattern: "x.#", LifetimeDays: -1}); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := NewRules(Rule{Pattern: "#", LifetimeDays: -5}); !errors.IsValidation(err) {
		t.Errorf("expected validation error for fallback, got %v", err)
	}
}
