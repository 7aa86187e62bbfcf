package zonestate

import (
	"context"

	"rockfall/internal/types"
	"rockfall/internal/zones"
)

// DefaultWindow is the number of recent records read by Reconcile.
const DefaultWindow = 50

// Match kinds reported by Claim.
const (
	MatchZoneID = "zone_id"
	MatchLabel  = "label"
)

// HistorySource is the read side of the history log.
type HistorySource interface {
	Query(ctx context.Context, filter types.HistoryFilter) ([]*types.PredictionRecord, error)
}

// Claim pairs a zone with the record that seeds it.
type Claim struct {
	ZoneID    string
	Record    *types.PredictionRecord
	MatchedBy string
}

// Match assigns each zone the most recent record that belongs to it.
// records must be ordered most recent first. A record carrying a zone id
// belongs only to that zone; a record without one belongs to the zone whose
// display name equals its label. Each zone claims at most one record and no
// record is claimed twice.
func Match(zs []zones.Zone, records []*types.PredictionRecord) []Claim {
	claimed := make(map[int]bool, len(zs))
	var claims []Claim

	for _, z := range zs {
		idx, how := -1, ""
		for i, rec := range records {
			if claimed[i] {
				continue
			}
			if rec.ZoneID != "" {
				if rec.ZoneID == z.ID {
					idx, how = i, MatchZoneID
					break
				}
				continue
			}
			if rec.ZoneLabel == z.DisplayName {
				idx, how = i, MatchLabel
				break
			}
		}
		if idx < 0 {
			continue
		}
		claimed[idx] = true
		claims = append(claims, Claim{ZoneID: z.ID, Record: records[idx], MatchedBy: how})
	}
	return claims
}

// Reconcile reads the most recent window records and seeds the matching
// zones. It never writes to the history log. Zones without a record stay
// as they are.
func Reconcile(ctx context.Context, m *Machine, src HistorySource, window int) ([]Claim, error) {
	zs := m.zoneList()
	if window < len(zs) {
		window = len(zs)
	}

	records, err := src.Query(ctx, types.HistoryFilter{Limit: window})
	if err != nil {
		return nil, err
	}

	claims := Match(zs, records)
	applied := claims[:0]
	for _, c := range claims {
		ok, err := m.Seed(c.ZoneID, c.Record)
		if err != nil {
			return nil, err
		}
		if ok {
			applied = append(applied, c)
		}
	}

	m.logger.Info("zone state reconciled",
		"records", len(records),
		"zones_seeded", len(applied),
	)
	return applied, nil
}

func (m *Machine) zoneList() []zones.Zone {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]zones.Zone, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.zones[id].state.Zone)
	}
	return out
}
