package workflow

// topologicalSort orders the graph with Kahn's algorithm. Nodes are visited in
// the order given so the result is deterministic. When a cycle exists the
// unresolved nodes are returned as the second value.
func topologicalSort(order []string, graph DependencyGraph) ([]string, []string) {
	inDegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, name := range order {
		inDegree[name] = len(graph[name])
		for _, dep := range graph[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) == len(order) {
		return sorted, nil
	}
	var remaining []string
	for _, name := range order {
		if inDegree[name] > 0 {
			remaining = append(remaining, name)
		}
	}
	return nil, remaining
}

// ancestors returns every task reachable through prerequisite edges.
func ancestors(graph DependencyGraph, name string) map[string]struct{} {
	seen := map[string]struct{}{}
	stack := append([]string(nil), graph[name]...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[current]; ok {
			continue
		}
		seen[current] = struct{}{}
		stack = append(stack, graph[current]...)
	}
	return seen
}
