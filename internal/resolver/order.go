package resolver

import "github.com/dokzlo13/flowsyncd/internal/openflow"

// Order returns groups sorted so that each group follows the groups it
// references within the list. Ties keep input order. Groups on a cycle, and
// groups depending on them, are appended in input order.
func Order(groups []openflow.Group) []openflow.Group {
	index := make(map[openflow.GroupID]int, len(groups))
	for i, g := range groups {
		index[g.ID] = i
	}

	// Edges from a referenced group to the groups referencing it
	indegree := make([]int, len(groups))
	dependents := make([][]int, len(groups))
	for i, g := range groups {
		for _, dep := range g.ReferencedGroups() {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	placed := make([]bool, len(groups))
	ordered := make([]openflow.Group, 0, len(groups))
	for {
		next := -1
		for i := range groups {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		placed[next] = true
		ordered = append(ordered, groups[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}

	for i, g := range groups {
		if !placed[i] {
			ordered = append(ordered, g)
		}
	}
	return ordered
}
