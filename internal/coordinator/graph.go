package coordinator

import "sort"

// checkAcyclic validates that deps (task id -> dependency ids) forms a DAG
// and returns a topological order. Dependencies on ids missing from deps are
// ignored here; callers validate existence separately.
func checkAcyclic(deps map[string][]string) ([]string, error) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	// edges[i] lists the nodes that depend on node i.
	edges := make([][]int, len(ids))
	inDegree := make([]int, len(ids))
	for i, id := range ids {
		for _, d := range deps[id] {
			j, ok := index[d]
			if !ok {
				continue
			}
			edges[j] = append(edges[j], i)
			inDegree[i]++
		}
	}

	// Kahn's algorithm.
	queue := make([]int, 0, len(ids))
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, ids[n])
		for _, m := range edges[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, &CycleError{Path: findCycle(ids, index, deps, inDegree)}
	}
	return order, nil
}

// findCycle walks dependency edges among the nodes Kahn's algorithm could
// not remove until it revisits one, and returns that loop.
func findCycle(ids []string, index map[string]int, deps map[string][]string, inDegree []int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = onStack
		stack = append(stack, ids[i])
		for _, d := range deps[ids[i]] {
			j, ok := index[d]
			if !ok || inDegree[j] == 0 {
				continue
			}
			switch state[j] {
			case onStack:
				for k, id := range stack {
					if id == d {
						cycle = append(append([]string(nil), stack[k:]...), d)
						return true
					}
				}
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for i := range ids {
		if inDegree[i] > 0 && state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}
