package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one failed scenario.
type ScenarioFailure struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Errors []string `json:"errors"`
}

// OK reports whether every scenario passed.
func (r SuiteResult) OK() bool {
	return r.Failed == 0
}

// FindScenarios returns the scenario files under path, sorted. A file path
// is returned as is.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		if ext := strings.ToLower(filepath.Ext(p)); ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// RunSuite runs every scenario found under path. A scenario that cannot be
// loaded or run counts as failed.
func RunSuite(ctx context.Context, path string, opts ...Option) (SuiteResult, error) {
	files, err := FindScenarios(path)
	if err != nil {
		return SuiteResult{}, fmt.Errorf("find scenarios: %w", err)
	}

	var suite SuiteResult
	for _, file := range files {
		suite.Total++
		name, errs := runFile(ctx, file, opts...)
		if len(errs) == 0 {
			suite.Passed++
			continue
		}
		suite.Failed++
		suite.Failures = append(suite.Failures, ScenarioFailure{Name: name, Path: file, Errors: errs})
	}
	return suite, nil
}

func runFile(ctx context.Context, file string, opts ...Option) (string, []string) {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	sc, err := LoadScenario(file)
	if err != nil {
		return name, []string{err.Error()}
	}
	result, err := Run(ctx, sc, opts...)
	if err != nil {
		return sc.Name, []string{err.Error()}
	}
	return sc.Name, result.Errors
}
