package core

import (
	"slices"

	"github.com/hashicorp/go-multierror"
)

// TopologicalSort returns flags ordered so that every flag follows its
// dependencies. With no keys, every flag is requested in input order. Each
// flag is emitted once. Dependencies missing from flags count as satisfied. A
// cycle drops only the requested key it was found under; every cycle is
// returned as a *CycleError.
func TopologicalSort(flags []FlagConfig, keys ...string) ([]FlagConfig, error) {
	available := make(map[string]FlagConfig, len(flags))
	for _, flag := range flags {
		available[flag.Key] = flag
	}
	if len(keys) == 0 {
		keys = make([]string, 0, len(flags))
		for _, flag := range flags {
			keys = append(keys, flag.Key)
		}
	}

	var (
		ordered []FlagConfig
		errs    *multierror.Error
	)
	for _, key := range keys {
		emitted := make(map[string]struct{})
		traversal, err := traverse(key, available, emitted, nil)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for emittedKey := range emitted {
			delete(available, emittedKey)
		}
		ordered = append(ordered, traversal...)
	}

	return ordered, errs.ErrorOrNil()
}

func traverse(key string, available map[string]FlagConfig, emitted map[string]struct{}, path []string) ([]FlagConfig, error) {
	if _, ok := emitted[key]; ok {
		return nil, nil
	}
	flag, ok := available[key]
	if !ok {
		return nil, nil
	}

	path = append(path, key)
	var ordered []FlagConfig
	for _, dependency := range flag.Dependencies {
		if slices.Contains(path, dependency) {
			return nil, &CycleError{Path: slices.Clone(path)}
		}
		traversal, err := traverse(dependency, available, emitted, path)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, traversal...)
	}

	emitted[key] = struct{}{}
	return append(ordered, flag), nil
}

// MissingDependencies reports, per flag key, the dependencies that are not
// present in flags. TopologicalSort tolerates these.
func MissingDependencies(flags []FlagConfig) map[string][]string {
	known := make(map[string]struct{}, len(flags))
	for _, flag := range flags {
		known[flag.Key] = struct{}{}
	}

	missing := make(map[string][]string)
	for _, flag := range flags {
		for _, dependency := range flag.Dependencies {
			if _, ok := known[dependency]; !ok {
				missing[flag.Key] = append(missing[flag.Key], dependency)
			}
		}
	}
	return missing
}
