// internal/datastore/analytics.go
package datastore

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// summarizeSightings folds rows ordered by timestamp into per-species
// summaries.
func summarizeSightings(rows []Detection) []SpeciesSighting {
	byKey := make(map[string]*SpeciesSighting)
	var order []string
	sums := make(map[string]float64)

	for i := range rows {
		r := &rows[i]
		key := strings.ToLower(r.ScientificName)
		if key == "" {
			key = strings.ToLower(r.CommonName)
		}
		s, ok := byKey[key]
		if !ok {
			s = &SpeciesSighting{
				ScientificName: r.ScientificName,
				CommonName:     r.CommonName,
				FirstSeen:      r.Timestamp,
			}
			byKey[key] = s
			order = append(order, key)
		}
		s.Count++
		sums[key] += r.Confidence
		if r.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = r.Timestamp
		}
		if r.Timestamp.After(s.LastSeen) {
			s.LastSeen = r.Timestamp
		}
		s.MaxConfidence = max(s.MaxConfidence, r.Confidence)
	}

	out := make([]SpeciesSighting, 0, len(order))
	for _, key := range order {
		s := byKey[key]
		s.AvgConfidence = sums[key] / float64(s.Count)
		out = append(out, *s)
	}
	slices.SortStableFunc(out, func(a, b SpeciesSighting) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.ScientificName, b.ScientificName)
	})
	return out
}

// distribute counts rows into buckets of width bucket starting at from.
func distribute(rows []Detection, from, to time.Time, bucket time.Duration) []DistributionBucket {
	n := int(to.Sub(from) / bucket)
	if to.Sub(from)%bucket != 0 {
		n++
	}
	out := make([]DistributionBucket, n)
	for i := range out {
		out[i].Start = from.Add(time.Duration(i) * bucket)
	}
	for i := range rows {
		ts := rows[i].Timestamp
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		idx := int(ts.Sub(from) / bucket)
		out[idx].Count++
	}
	return out
}
