package sdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollInterval_Bands(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		progress int
		min, max time.Duration
	}{
		{0, 1000 * time.Millisecond, 1000 * time.Millisecond},
		{15, 1000 * time.Millisecond, 1500 * time.Millisecond},
		{29, 1000 * time.Millisecond, 1500 * time.Millisecond},
		{30, 2000 * time.Millisecond, 2000 * time.Millisecond},
		{59, 2000 * time.Millisecond, 3000 * time.Millisecond},
		{60, 3000 * time.Millisecond, 3000 * time.Millisecond},
		{79, 3000 * time.Millisecond, 5000 * time.Millisecond},
		{80, 5000 * time.Millisecond, 5000 * time.Millisecond},
		{100, 10000 * time.Millisecond, 10000 * time.Millisecond},
		{150, 10000 * time.Millisecond, 10000 * time.Millisecond},
		{-10, 1000 * time.Millisecond, 1000 * time.Millisecond},
	}

	for _, tt := range tests {
		got := PollInterval(tt.progress, cfg)
		assert.GreaterOrEqual(t, got, tt.min, "progress=%d", tt.progress)
		assert.LessOrEqual(t, got, tt.max, "progress=%d", tt.progress)
	}
}

func TestPollInterval_NonDecreasingAndCapped(t *testing.T) {
	cfg := DefaultConfig()
	prev := time.Duration(0)
	for p := 0; p <= 100; p++ {
		got := PollInterval(p, cfg)
		assert.GreaterOrEqual(t, got, prev, "progress=%d", p)
		assert.LessOrEqual(t, got, cfg.MaxInterval)
		prev = got
	}
}

func TestRetryBackoff_MonotonicAndCapped(t *testing.T) {
	cfg := DefaultConfig()

	for run := 0; run < 50; run++ {
		b := NewRetryBackoff(cfg)
		first := b.Next()
		// 第 1 次重试约为 base×2，抖动 ±30%
		assert.GreaterOrEqual(t, first, time.Duration(float64(2*cfg.BaseInterval)*(1-cfg.JitterFactor)))
		assert.LessOrEqual(t, first, time.Duration(float64(2*cfg.BaseInterval)*(1+cfg.JitterFactor)))

		prev := first
		for i := 0; i < 10; i++ {
			d := b.Next()
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, cfg.MaxInterval)
			prev = d
		}
		assert.Equal(t, cfg.MaxInterval, prev, "多次重试后应达到上限")
	}
}

func TestRetryBackoff_Reset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterFactor = 0
	b := NewRetryBackoff(cfg)

	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestReconnectBackoff_Bounds(t *testing.T) {
	cfg := DefaultConfig()

	for run := 0; run < 50; run++ {
		b := NewReconnectBackoff(cfg)
		for attempt := 1; attempt <= 8; attempt++ {
			base := cfg.ReconnectInterval << (attempt - 1)
			if base > cfg.ReconnectMaxInterval {
				base = cfg.ReconnectMaxInterval
			}
			lo := time.Duration(float64(base) * (1 - cfg.JitterFactor))
			if lo < cfg.ReconnectFloor {
				lo = cfg.ReconnectFloor
			}
			hi := time.Duration(float64(base) * (1 + cfg.JitterFactor))

			d := b.Next()
			assert.GreaterOrEqual(t, d, lo, "attempt=%d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt=%d", attempt)
		}
	}
}

func TestReconnectBackoff_Floor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectInterval = 100 * time.Millisecond
	b := NewReconnectBackoff(cfg)

	assert.GreaterOrEqual(t, b.Next(), time.Second)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "默认配置", mutate: func(*Config) {}},
		{name: "基础间隔大于上限", mutate: func(c *Config) { c.BaseInterval = time.Minute }, wantErr: true},
		{name: "阈值无序", mutate: func(c *Config) { c.ProgressThresholds.Medium = 10 }, wantErr: true},
		{name: "抖动过大", mutate: func(c *Config) { c.JitterFactor = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	d := DefaultConfig()

	cfg := Config{}.withDefaults()
	assert.Equal(t, d.JitterFactor, cfg.JitterFactor, "零值配置应带默认抖动")
	assert.Equal(t, d.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, d.ReconnectInterval, cfg.ReconnectInterval)

	cfg = Config{JitterFactor: -1}.withDefaults()
	assert.Zero(t, cfg.JitterFactor, "负数表示关闭抖动")

	cfg = Config{JitterFactor: 0.1}.withDefaults()
	assert.Equal(t, 0.1, cfg.JitterFactor)
}
