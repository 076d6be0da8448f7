package backpressure

import (
	"testing"
	"time"

	"github.com/xtxerr/statline/internal/storage/buffer"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/types"
)

// fixedGauge reports a settable usage ratio.
type fixedGauge struct {
	usage float64
}

func (g *fixedGauge) UsageRatio() float64 { return g.usage }

func testConfig() config.BackpressureConfig {
	return config.BackpressureConfig{
		Enabled:    true,
		Warning:    0.50,
		Critical:   0.80,
		Emergency:  0.95,
		Hysteresis: 0.10,
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
		{Level(9), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestController_New(t *testing.T) {
	c := New(testConfig(), buffer.New(1000))

	if c == nil {
		t.Fatal("controller is nil")
	}

	if c.CurrentLevel() != LevelNormal {
		t.Errorf("expected initial level normal, got %s", c.CurrentLevel())
	}

	if !c.IsEnabled() {
		t.Error("controller should be enabled")
	}
}

func TestController_Check(t *testing.T) {
	buf := buffer.New(100)
	c := New(testConfig(), buf)

	// Initially normal
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal, got %s", level)
	}

	fill := func(n int) {
		for i := 0; i < n; i++ {
			buf.Push(types.Event{Name: "lib.requests.sent", Value: 1})
		}
	}

	// Fill to 50% - should trigger warning
	fill(50)
	if level := c.Check(); level != LevelWarning {
		t.Errorf("expected warning at 50%%, got %s (usage: %.2f)", level, buf.UsageRatio())
	}
	if !c.ShouldDrain() || c.ShouldDrop() {
		t.Error("warning should drain early without dropping")
	}

	// Fill to 80% - should trigger critical
	fill(30)
	if level := c.Check(); level != LevelCritical {
		t.Errorf("expected critical at 80%%, got %s (usage: %.2f)", level, buf.UsageRatio())
	}

	// Fill to 95% - should trigger emergency
	fill(15)
	if level := c.Check(); level != LevelEmergency {
		t.Errorf("expected emergency at 95%%, got %s (usage: %.2f)", level, buf.UsageRatio())
	}
	if !c.ShouldDrop() {
		t.Error("emergency should drop events")
	}

	// Drain everything - falls straight back to normal
	buf.Drain(nil)
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal after drain, got %s", level)
	}

	stats := c.Stats()
	if stats.LevelChanges != 4 {
		t.Errorf("expected 4 level changes, got %d", stats.LevelChanges)
	}
	if stats.WarningCount != 1 || stats.CriticalCount != 1 || stats.EmergencyCount != 1 {
		t.Errorf("unexpected level counters: %+v", stats)
	}
}

func TestController_Hysteresis(t *testing.T) {
	g := &fixedGauge{}
	c := New(testConfig(), g)

	tests := []struct {
		usage float64
		want  Level
	}{
		{0.96, LevelEmergency},
		{0.90, LevelEmergency}, // within hysteresis of 0.95
		{0.84, LevelCritical},
		{0.75, LevelCritical}, // within hysteresis of 0.80
		{0.69, LevelWarning},
		{0.45, LevelWarning}, // within hysteresis of 0.50
		{0.39, LevelNormal},
		{0.49, LevelNormal},
		{0.50, LevelWarning},
	}

	for _, tt := range tests {
		g.usage = tt.usage
		if got := c.Check(); got != tt.want {
			t.Errorf("usage %.2f: expected %s, got %s", tt.usage, tt.want, got)
		}
	}
}

func TestController_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	c := New(cfg, &fixedGauge{usage: 1})

	if level := c.Check(); level != LevelNormal {
		t.Errorf("disabled controller should stay normal, got %s", level)
	}
	if c.ShouldDrop() {
		t.Error("disabled controller should never drop")
	}
}

func TestController_Cooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Minute

	g := &fixedGauge{}
	c := New(cfg, g)

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Check()

	// Within cooldown, usage changes are ignored
	g.usage = 0.99
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected cooldown to hold normal, got %s", level)
	}

	now = now.Add(time.Minute)
	if level := c.Check(); level != LevelEmergency {
		t.Errorf("expected emergency after cooldown, got %s", level)
	}
}

func TestController_OnLevelChange(t *testing.T) {
	g := &fixedGauge{}
	c := New(testConfig(), g)

	var changes [][2]Level
	c.SetOnLevelChange(func(old, new Level) {
		changes = append(changes, [2]Level{old, new})
	})

	g.usage = 0.85
	c.Check()
	g.usage = 0
	c.Check()

	if len(changes) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(changes))
	}
	if changes[0] != [2]Level{LevelNormal, LevelCritical} {
		t.Errorf("unexpected first change %v", changes[0])
	}
	if changes[1] != [2]Level{LevelCritical, LevelNormal} {
		t.Errorf("unexpected second change %v", changes[1])
	}
}

func TestController_RecordDrop(t *testing.T) {
	c := New(testConfig(), &fixedGauge{usage: 0.25})

	c.RecordDrop()
	c.RecordDrop()

	stats := c.Stats()
	if stats.EventsDropped != 2 {
		t.Errorf("expected 2 drops, got %d", stats.EventsDropped)
	}
	if stats.BufferUsage != 0.25 {
		t.Errorf("expected usage 0.25, got %v", stats.BufferUsage)
	}
}
