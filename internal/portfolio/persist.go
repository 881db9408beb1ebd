package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persisted is the on-disk shape. It carries the tracker's session-keyed
// fields that a plain snapshot omits, so a restart inside a breach window
// keeps the latch.
type persisted struct {
	Snapshot   Snapshot `json:"snapshot"`
	Cash       float64  `json:"cash"`
	HWMDate    string   `json:"hwm_date"`
	BreachDate string   `json:"breach_date,omitempty"`
}

// Save writes the state to path atomically (temp file + rename).
func (s *State) Save(path string) error {
	s.mu.Lock()
	p := persisted{
		Snapshot:   s.snapshotLocked(),
		Cash:       s.cash,
		HWMDate:    s.tracker.hwmDate,
		BreachDate: s.tracker.breachDate,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write portfolio state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename portfolio state: %w", err)
	}
	return nil
}

// LoadState restores persisted state from path. A missing file yields a
// fresh state with all capital in cash.
func LoadState(path string, capitalBase float64, cfg DrawdownConfig) (*State, error) {
	s := NewState(capitalBase, cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read portfolio state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio state: %w", err)
	}

	s.cash = p.Cash
	s.version = p.Snapshot.Version
	s.updatedAt = p.Snapshot.UpdatedAt
	for symbol, pos := range p.Snapshot.Positions {
		s.positions[symbol] = pos
	}
	s.tracker.hwm = p.Snapshot.HighWaterMark
	s.tracker.hwmDate = p.HWMDate
	s.tracker.drawdownPct = p.Snapshot.DrawdownPct
	s.tracker.softBreach = p.Snapshot.SoftBreach
	s.tracker.hardBreach = p.Snapshot.HardBreach
	s.tracker.breachDate = p.BreachDate
	return s, nil
}
