package game

import "sort"

// ComputeInitiative returns the turn order for the given units: initiative
// descending, ties broken by unit id lexicographic order, then by insertion
// order. Units with hp <= 0 are excluded.
func ComputeInitiative(units []Unit) []string {
	type entry struct {
		id         string
		initiative int
		insertion  int
	}

	entries := make([]entry, 0, len(units))
	for i, u := range units {
		if u.Stats.HP <= 0 {
			continue
		}
		entries = append(entries, entry{id: u.ID, initiative: u.Stats.Initiative, insertion: i})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].initiative != entries[j].initiative {
			return entries[i].initiative > entries[j].initiative
		}
		if entries[i].id != entries[j].id {
			return entries[i].id < entries[j].id
		}
		return entries[i].insertion < entries[j].insertion
	})

	order := make([]string, len(entries))
	for i, e := range entries {
		order[i] = e.id
	}
	return order
}
