package element

import "drawsync/internal/ops"

// Diff compares the previous store contents with a new snapshot and returns
// the operations that turn one into the other. ClientSeq and BaseSeq are left
// zero for the caller to assign.
//
// Version equality is the only content check: an element whose version did
// not change produces nothing, whatever else differs.
func Diff(prev *Store, snapshot []Element) ([]ops.Input, error) {
	var out []ops.Input
	seen := make(map[string]struct{}, len(snapshot))

	for _, e := range snapshot {
		seen[e.ID] = struct{}{}
		old, known := prev.Get(e.ID)
		switch {
		case !known:
			if e.IsDeleted {
				continue
			}
			data, err := e.Encode()
			if err != nil {
				return nil, err
			}
			out = append(out, ops.Input{Type: ops.Add, ElementID: e.ID, ElementVersion: e.Version, Data: data})
		case e.Version == old.Version:
		case e.IsDeleted && !old.IsDeleted:
			// soft delete: a state transition, no payload
			out = append(out, ops.Input{Type: ops.Delete, ElementID: e.ID, ElementVersion: e.Version})
		default:
			data, err := e.Encode()
			if err != nil {
				return nil, err
			}
			out = append(out, ops.Input{Type: ops.Update, ElementID: e.ID, ElementVersion: e.Version, Data: data})
		}
	}

	for _, id := range prev.order {
		if _, ok := seen[id]; ok {
			continue
		}
		old := prev.elements[id]
		if old.IsDeleted {
			continue
		}
		out = append(out, ops.Input{Type: ops.Delete, ElementID: id, ElementVersion: old.Version})
	}
	return out, nil
}
