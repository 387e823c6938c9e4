package plugins

import "fmt"

// topoSort orders manifests so that every plugin loads after its
// dependencies. Dependencies that name no known plugin are treated as
// external and skipped. A cycle aborts the sort with an error naming one
// node on the cycle.
func topoSort(items []Discovered) ([]Discovered, error) {
	byName := make(map[string]Discovered, len(items))
	for _, d := range items {
		byName[d.Manifest.Name] = d
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(items))
	var order []Discovered

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("plugin dependency cycle involving %q", name)
		}
		state[name] = visiting
		for _, dep := range byName[name].Manifest.Dependencies {
			if _, known := byName[dep]; !known {
				continue // external dependency, not ours to order
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, byName[name])
		return nil
	}

	// Iterate in input order for deterministic output.
	for _, d := range items {
		if err := visit(d.Manifest.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
