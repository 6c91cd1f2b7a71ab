package run

import "github.com/evalgate/engine/pkg/types"

// ComputeDiff compares current against previous by trace id, in current-run
// order. Fixed entries carry the previous failure's cluster and severity;
// regressed and new-fail entries carry the current failure's. When either
// side is empty every list is empty.
func ComputeDiff(current, previous []types.TraceVerdict) types.DiffSummary {
	d := types.DiffSummary{
		Fixed:     []types.DiffEntry{},
		Regressed: []types.DiffEntry{},
		NewFails:  []types.DiffEntry{},
	}
	if len(current) == 0 || len(previous) == 0 {
		return d
	}

	prev := make(map[string]*types.TraceVerdict, len(previous))
	for i := range previous {
		prev[previous[i].TraceID] = &previous[i]
	}

	for i := range current {
		cur := &current[i]
		old, seen := prev[cur.TraceID]
		switch {
		case cur.Failed() && !seen:
			d.NewFails = append(d.NewFails, entry(cur))
		case cur.Failed() && seen && !old.Failed():
			d.Regressed = append(d.Regressed, entry(cur))
		case !cur.Failed() && seen && old.Failed():
			d.Fixed = append(d.Fixed, entry(old))
		}
	}
	return d
}

func entry(v *types.TraceVerdict) types.DiffEntry {
	return types.DiffEntry{TraceID: v.TraceID, Cluster: v.Cluster, Severity: v.Severity}
}
