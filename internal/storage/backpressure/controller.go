package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/statline/internal/storage/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - buffer drained on schedule.
	LevelNormal Level = iota

	// LevelWarning - buffer filling up, drain early.
	LevelWarning

	// LevelCritical - buffer nearly full, drain early and warn.
	LevelCritical

	// LevelEmergency - drop new events to protect the recorder.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports how full a buffer is, from 0 to 1.
type Gauge interface {
	UsageRatio() float64
}

// Controller manages backpressure based on buffer utilization.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	gauge  Gauge
	now    func() time.Time

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	EventsDropped  int64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
		now:    time.Now,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current conditions and updates the level.
// This should be called after every push.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Respect cooldown
	if c.config.Cooldown > 0 && now.Sub(c.lastCheck) < c.config.Cooldown {
		return Level(c.level.Load())
	}

	c.lastCheck = now

	// Determine new level with hysteresis
	newLevel := c.determineLevel(c.gauge.UsageRatio())

	// Update level if changed
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	hysteresis := c.config.Hysteresis

	// Going up (increasing pressure)
	if usage >= c.config.Emergency {
		return LevelEmergency
	}
	if usage >= c.config.Critical && c.lastLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= c.config.Warning && c.lastLevel < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch c.lastLevel {
	case LevelEmergency:
		if usage < c.config.Emergency-hysteresis {
			return c.levelBelow(usage, LevelCritical)
		}
		return LevelEmergency
	case LevelCritical:
		if usage < c.config.Critical-hysteresis {
			return c.levelBelow(usage, LevelWarning)
		}
		return LevelCritical
	case LevelWarning:
		if usage < c.config.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// levelBelow continues the descent from level for usage that already fell
// under several thresholds at once.
func (c *Controller) levelBelow(usage float64, level Level) Level {
	for level > LevelNormal && usage < c.threshold(level)-c.config.Hysteresis {
		level--
	}
	return level
}

func (c *Controller) threshold(l Level) float64 {
	switch l {
	case LevelWarning:
		return c.config.Warning
	case LevelCritical:
		return c.config.Critical
	case LevelEmergency:
		return c.config.Emergency
	default:
		return 0
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	// Update level-specific counters
	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	// Fire callback
	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldDrop returns true if new events should be dropped.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldDrain returns true if the buffer should be drained before the next
// scheduled drain.
func (c *Controller) ShouldDrain() bool {
	return c.CurrentLevel() >= LevelWarning
}

// RecordDrop records that an event was dropped.
func (c *Controller) RecordDrop() {
	c.mu.Lock()
	c.stats.EventsDropped++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		EventsDropped:  c.stats.EventsDropped,
		BufferUsage:    c.gauge.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	EventsDropped  int64
	BufferUsage    float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
