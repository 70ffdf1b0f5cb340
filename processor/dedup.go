package processor

import (
	"sync"

	"bidaskflow/models"
)

// Dedup suppresses consecutive identical order book snapshots per symbol.
// Identity is the snapshot fingerprint, which covers only the level content,
// so a re-sent book after a reconnect is still recognized as a duplicate.
// Trades never pass through here.
type Dedup struct {
	mu   sync.Mutex
	last map[string]string
}

func NewDedup() *Dedup {
	return &Dedup{last: make(map[string]string)}
}

// Admit reports whether the snapshot differs from the previous one accepted
// for its symbol, updating the stored fingerprint when it does.
func (d *Dedup) Admit(snap *models.OrderBookSnapshot) bool {
	fp := snap.Fingerprint()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last[snap.Symbol] == fp {
		return false
	}
	d.last[snap.Symbol] = fp
	return true
}
