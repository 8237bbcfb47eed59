package contextmgr

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var (
	ErrContextOverflow    = errors.New("context overflow")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrNoReservation      = errors.New("no context reservation")
	ErrItemNotFound       = errors.New("context item not found")
)

// Tier ranks items for eviction; lower tiers go first.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "low":
		return TierLow, nil
	case "", "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	}
	return TierMedium, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Item is the logical view of a context item. Content and Size are always
// the original bytes and units, whether or not the item is stored
// compressed. The units charged for a compressed item show in State.Used.
type Item struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Tier         Tier              `json:"tier"`
	Size         int               `json:"size"`
	Content      []byte            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Compressed   bool              `json:"compressed"`
	LastAccessed time.Time         `json:"last_accessed"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (it Item) clone() Item {
	c := it
	c.Content = append([]byte(nil), it.Content...)
	if it.Metadata != nil {
		c.Metadata = maps.Clone(it.Metadata)
	}
	return c
}

// stored is the manager's record of an item. item.Size is the number of
// units charged to the budget. When compressed, data holds the zstd frame,
// rawSize the original length and units the size before compression.
type stored struct {
	item    Item
	data    []byte
	rawSize int
	units   int
	seq     uint64
}

// AddResult reports what AddItem did.
type AddResult struct {
	Accepted          bool     `json:"accepted"`
	WarningTriggered  bool     `json:"warning_triggered"`
	OverflowPrevented bool     `json:"overflow_prevented"`
	PrunedCount       int      `json:"pruned_count"`
	CriticalEvicted   bool     `json:"critical_evicted"`
	Evicted           []string `json:"evicted,omitempty"`
	UsedRatio         float64  `json:"used_ratio"`
}

type State struct {
	AgentID   string  `json:"agent_id"`
	Budget    int     `json:"budget"`
	Used      int     `json:"used"`
	UsedRatio float64 `json:"used_ratio"`
	Items     []Item  `json:"items"`
}

type Usage struct {
	Budget    int     `json:"budget"`
	Used      int     `json:"used"`
	UsedRatio float64 `json:"used_ratio"`
	Items     int     `json:"items"`
}

type CompressResult struct {
	Ratio   float64 `json:"ratio"`
	OldSize int     `json:"old_size"`
	NewSize int     `json:"new_size"`
}
