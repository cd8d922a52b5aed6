package tstore

// SweepManager evicts resident value bytes whose disk copy is
// authoritative each time Run is called, implementing the clock-hand pass
// of spec section
// 4.10. It holds no state beyond its target structures' accessors; each
// Run call walks whatever Aggregated snapshot it is given.
type SweepManager[K any] struct{}

// NewSweepManager constructs a stateless sweep driver.
func NewSweepManager[K any]() *SweepManager[K] { return &SweepManager[K]{} }

// Run walks the consolidated component and every sealed delta in agg,
// calling VersionedItem.Sweep on each item and returning the total bytes
// freed. Items with fileID == 0 are left untouched by Sweep itself (spec
// section 4.10's invariant), so no filtering is needed here.
func (sm *SweepManager[K]) Run(agg *Aggregated[K]) (freedBytes int64, evictedCount int64) {
	agg.Consolidated.Range(nil, nil, true, func(_ K, item *VersionedItem) bool {
		if freed, evicted := item.Sweep(); evicted {
			freedBytes += int64(freed)
			evictedCount++
			agg.Consolidated.noteByteSizeDelta(-int64(freed))
		}
		return true
	})
	for _, d := range agg.Deltas {
		d.Range(nil, nil, true, func(_ K, dv *DifferentialVersions) bool {
			if dv.Current != nil {
				if freed, evicted := dv.Current.Sweep(); evicted {
					freedBytes += int64(freed)
					evictedCount++
				}
			}
			if dv.Previous != nil {
				if freed, evicted := dv.Previous.Sweep(); evicted {
					freedBytes += int64(freed)
					evictedCount++
				}
			}
			return true
		})
	}
	return freedBytes, evictedCount
}
