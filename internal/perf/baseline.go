package perf

import (
	"encoding/json"
	"fmt"
	"os"
)

// regressionFactor is how much slower an operation may get before it
// counts as regressed.
const regressionFactor = 2.0

// minSamples guards against flagging noise from barely-exercised ops.
const minSamples = 20

// Regression names one operation that got materially slower than the
// stored baseline.
type Regression struct {
	Op            string  `json:"op"`
	BaselineAvgMS float64 `json:"baseline_avg_ms"`
	CurrentAvgMS  float64 `json:"current_avg_ms"`
}

// LoadBaseline reads a previously saved snapshot. A missing file is not
// an error; it returns nil.
func LoadBaseline(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	return &s, nil
}

// SaveBaseline writes the snapshot for future comparisons.
func SaveBaseline(path string, s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return os.Rename(tmp, path)
}

// CompareBaseline lists the operations whose average latency exceeds the
// baseline by the regression factor.
func CompareBaseline(current Snapshot, baseline *Snapshot) []Regression {
	if baseline == nil {
		return nil
	}
	var out []Regression
	for op, cur := range current.Ops {
		base, ok := baseline.Ops[op]
		if !ok || base.Count < minSamples || cur.Count < minSamples {
			continue
		}
		if base.AvgMillis > 0 && cur.AvgMillis > base.AvgMillis*regressionFactor {
			out = append(out, Regression{
				Op:            op,
				BaselineAvgMS: base.AvgMillis,
				CurrentAvgMS:  cur.AvgMillis,
			})
		}
	}
	return out
}

// CheckRegressions compares against the baseline at path and reports the
// result through logs and the regression gauge. Failures are logged and
// swallowed; this never affects serving.
func (m *Monitor) CheckRegressions(path string) []Regression {
	if !m.enabled {
		return nil
	}
	baseline, err := LoadBaseline(path)
	if err != nil {
		m.logger.Warnw("Baseline unavailable", "path", path, "error", err)
		return nil
	}
	regs := CompareBaseline(m.Snapshot(), baseline)
	m.regressions.Set(float64(len(regs)))
	for _, r := range regs {
		m.logger.Warnw("Performance regression detected",
			"op", r.Op, "baselineAvgMs", r.BaselineAvgMS, "currentAvgMs", r.CurrentAvgMS)
	}
	return regs
}
