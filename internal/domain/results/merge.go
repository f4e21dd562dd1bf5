package results

import (
	"sort"
	"time"
)

// Merge builds ScanRecords from per-category result rows.
//
// Rows are visited category by category in Categories order (unknown categories after,
// sorted by name), each in the order given. Records are returned most recent first;
// records without any parseable date go last, and ties keep first-encounter order.
// Merge is pure: the same input always yields the same output.
func Merge(rows map[Category][]DiagnosticResult) []ScanRecord {
	type entry struct {
		rec   ScanRecord
		date  time.Time
		dated bool
	}

	index := make(map[string]int)
	var entries []*entry

	for _, cat := range mergeOrder(rows) {
		for _, row := range rows[cat] {
			i, ok := index[row.ImageID]
			if !ok {
				i = len(entries)
				index[row.ImageID] = i
				entries = append(entries, &entry{rec: ScanRecord{
					ImageID:  row.ImageID,
					Findings: make(map[Category]*Finding),
				}})
			}
			e := entries[i]

			ts, dated := row.Timestamp()
			if prev := e.rec.Findings[cat]; prev != nil {
				// same category twice for one image: keep the newer row
				prevTS, prevDated := prev.Timestamp()
				if !dated || (prevDated && !ts.After(prevTS)) {
					continue
				}
			}
			e.rec.Findings[cat] = &Finding{
				DiagnosticResult: row,
				Category:         cat,
				Status:           DeriveStatus(row.Confidence, row.ResultMessage),
			}
			if dated && (!e.dated || ts.After(e.date)) {
				e.date, e.dated = ts, true
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.dated != b.dated {
			return a.dated
		}
		return a.date.After(b.date)
	})

	out := make([]ScanRecord, 0, len(entries))
	for _, e := range entries {
		if e.dated {
			d := e.date
			e.rec.Date = &d
		}
		out = append(out, e.rec)
	}
	return out
}

func mergeOrder(rows map[Category][]DiagnosticResult) []Category {
	order := make([]Category, 0, len(rows))
	for _, c := range Categories {
		if _, ok := rows[c]; ok {
			order = append(order, c)
		}
	}
	var extra []Category
	for c := range rows {
		if !c.Valid() {
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(order, extra...)
}
