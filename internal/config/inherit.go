package config

import "fmt"

// linearize computes the C3 method-resolution order for name's [runtime]
// inheritance tree, root ("root", implicit) last. parents maps a task/family
// name to its immediate declared parents, bottom of its own MRO first.
func linearize(name string, parents map[string][]string) ([]string, error) {
	order, err := c3Merge(name, parents, map[string]bool{name: true})
	if err != nil {
		return nil, err
	}
	if order[len(order)-1] != "root" {
		order = append(order, "root")
	}
	return order, nil
}

func c3Merge(name string, parents map[string][]string, visiting map[string]bool) ([]string, error) {
	own := parents[name]
	if len(own) == 0 {
		if name == "root" {
			return []string{"root"}, nil
		}
		return []string{name, "root"}, nil
	}

	var sequences [][]string
	for _, p := range own {
		if visiting[p] {
			return nil, fmt.Errorf("config: cyclic [runtime] inheritance involving %q", p)
		}
		visiting[p] = true
		seq, err := c3Merge(p, parents, visiting)
		delete(visiting, p)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	sequences = append(sequences, append([]string{}, own...))

	merged := []string{name}
	for {
		allEmpty := true
		for _, seq := range sequences {
			if len(seq) > 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			break
		}
		head, ok := pickC3Head(sequences)
		if !ok {
			return nil, fmt.Errorf("config: inconsistent [runtime] inheritance hierarchy for %q", name)
		}
		merged = append(merged, head)
		for i, seq := range sequences {
			sequences[i] = removeC3Head(seq, head)
		}
	}
	return merged, nil
}

// pickC3Head finds a candidate that is a head of some sequence and does not
// appear in the tail of any other sequence.
func pickC3Head(sequences [][]string) (string, bool) {
	for _, seq := range sequences {
		if len(seq) == 0 {
			continue
		}
		candidate := seq[0]
		if inAnyTail(sequences, candidate) {
			continue
		}
		return candidate, true
	}
	return "", false
}

func inAnyTail(sequences [][]string, candidate string) bool {
	for _, seq := range sequences {
		for i := 1; i < len(seq); i++ {
			if seq[i] == candidate {
				return true
			}
		}
	}
	return false
}

func removeC3Head(seq []string, head string) []string {
	if len(seq) > 0 && seq[0] == head {
		return seq[1:]
	}
	return seq
}
