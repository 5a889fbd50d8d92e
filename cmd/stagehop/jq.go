package main

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// jqFilters is a set of compiled jq expressions that must all be truthy.
type jqFilters []*gojq.Code

func compileFilters(exprs []string) (jqFilters, error) {
	filters := make(jqFilters, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		filters[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return filters, nil
}

// Match reports whether every filter yields a truthy first result for the
// JSON form of v. A filter that errors or yields nothing does not match.
func (f jqFilters) Match(v interface{}) bool {
	if len(f) == 0 {
		return true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}

	for _, code := range f {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
