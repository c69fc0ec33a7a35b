package plugin

import "fmt"

// resolveOrder returns ids in dependency order using a depth-first
// topological sort. Roots are visited in registration order so the result
// is deterministic.
func resolveOrder(ids []string, deps func(id string) []string, exists func(id string) bool) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrCircularDependency, append(path, id))
		}
		mark[id] = visiting
		for _, dep := range deps(id) {
			if !exists(dep) {
				return fmt.Errorf("%w: %s requires %s", ErrMissingDependency, id, dep)
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		mark[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
