package watch

import "sort"

// ChangeEvent is the set of paths that changed within one debounce window.
type ChangeEvent map[string]struct{}

func NewChangeEvent(paths ...string) ChangeEvent {
	e := ChangeEvent{}
	for _, p := range paths {
		e[p] = struct{}{}
	}
	return e
}

func (e ChangeEvent) Add(path string) { e[path] = struct{}{} }

func (e ChangeEvent) Contains(path string) bool {
	_, ok := e[path]
	return ok
}

// Paths returns the changed paths in sorted order.
func (e ChangeEvent) Paths() []string {
	paths := make([]string, 0, len(e))
	for p := range e {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
