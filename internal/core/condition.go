package core

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var operatorAliases = map[Operator]Operator{
	"less-or-equal":            OperatorLessOrEqual,
	"greater-or-equal":         OperatorGreaterOrEqual,
	"version-less":             OperatorVersionLess,
	"version-less-or-equal":    OperatorVersionLessOrEqual,
	"version-greater":          OperatorVersionGreater,
	"version-greater-or-equal": OperatorVersionGreaterOrEqual,
}

func normalizeOperator(op Operator) (Operator, bool) {
	if alias, ok := operatorAliases[op]; ok {
		return alias, true
	}
	switch op {
	case OperatorIs, OperatorIsNot, OperatorContains, OperatorDoesNotContain,
		OperatorLess, OperatorLessOrEqual, OperatorGreater, OperatorGreaterOrEqual,
		OperatorVersionLess, OperatorVersionLessOrEqual, OperatorVersionGreater, OperatorVersionGreaterOrEqual,
		OperatorSetIs, OperatorSetIsNot, OperatorSetContains, OperatorSetDoesNotContain,
		OperatorSetContainsAny, OperatorSetDoesNotContainAny,
		OperatorRegexMatch, OperatorRegexDoesNotMatch:
		return op, true
	}
	return op, false
}

func isSetOperator(op Operator) bool {
	switch op {
	case OperatorSetIs, OperatorSetIsNot, OperatorSetContains, OperatorSetDoesNotContain,
		OperatorSetContainsAny, OperatorSetDoesNotContainAny:
		return true
	}
	return false
}

func (e *Engine) matchCondition(target map[string]any, condition Condition) (bool, error) {
	if len(condition.Selector) == 0 {
		return false, &ConfigError{Reason: "condition selector is empty"}
	}
	op, ok := normalizeOperator(condition.Op)
	if !ok {
		return false, &ConfigError{Reason: "unknown operator " + strconv.Quote(string(condition.Op))}
	}

	property, ok := Select(target, condition.Selector)
	if !ok {
		return matchAbsent(op, condition.Values), nil
	}

	if isSetOperator(op) {
		return matchSet(coerceStringArray(property), op, condition.Values), nil
	}

	return e.matchString(coerceString(property), op, condition.Values)
}

func matchAbsent(op Operator, values []string) bool {
	containsNone := slices.Contains(values, NoneValue)
	switch op {
	case OperatorIs, OperatorContains,
		OperatorLess, OperatorLessOrEqual, OperatorGreater, OperatorGreaterOrEqual,
		OperatorVersionLess, OperatorVersionLessOrEqual, OperatorVersionGreater, OperatorVersionGreaterOrEqual,
		OperatorSetIs, OperatorSetContains, OperatorSetContainsAny:
		return containsNone
	case OperatorIsNot, OperatorDoesNotContain,
		OperatorSetIsNot, OperatorSetDoesNotContain, OperatorSetDoesNotContainAny:
		return !containsNone
	}
	return false
}

func (e *Engine) matchString(property string, op Operator, values []string) (bool, error) {
	switch op {
	case OperatorIs:
		return matchesIs(property, values), nil
	case OperatorIsNot:
		return !matchesIs(property, values), nil
	case OperatorContains:
		return matchesContains(property, values), nil
	case OperatorDoesNotContain:
		return !matchesContains(property, values), nil
	case OperatorLess, OperatorLessOrEqual, OperatorGreater, OperatorGreaterOrEqual:
		return matchesComparable(property, op, values, parseNumber, compareNumbers), nil
	case OperatorVersionLess, OperatorVersionLessOrEqual, OperatorVersionGreater, OperatorVersionGreaterOrEqual:
		return matchesComparable(property, op, values, parseVersion, compareVersions), nil
	case OperatorRegexMatch:
		return e.matchesRegex(property, values)
	case OperatorRegexDoesNotMatch:
		matched, err := e.matchesRegex(property, values)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}
	return false, &ConfigError{Reason: "unknown operator " + strconv.Quote(string(op))}
}

func matchesIs(property string, values []string) bool {
	if containsBooleans(values) {
		lower := strings.ToLower(property)
		if lower == "true" || lower == "false" {
			return slices.ContainsFunc(values, func(value string) bool {
				return strings.ToLower(value) == lower
			})
		}
	}
	return slices.Contains(values, property)
}

func containsBooleans(values []string) bool {
	return slices.ContainsFunc(values, func(value string) bool {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "false"
	})
}

func matchesContains(property string, values []string) bool {
	lower := strings.ToLower(property)
	return slices.ContainsFunc(values, func(value string) bool {
		return strings.Contains(lower, strings.ToLower(value))
	})
}

func matchesComparable[T any](property string, op Operator, values []string, parse func(string) (T, bool), compare func(a, b T) int) bool {
	parsedProperty, propertyOK := parse(property)
	parsedValues := make([]T, 0, len(values))
	for _, value := range values {
		if parsed, ok := parse(value); ok {
			parsedValues = append(parsedValues, parsed)
		}
	}

	if !propertyOK || len(parsedValues) == 0 {
		return slices.ContainsFunc(values, func(value string) bool {
			return comparisonHolds(op, strings.Compare(property, value))
		})
	}

	return slices.ContainsFunc(parsedValues, func(value T) bool {
		return comparisonHolds(op, compare(parsedProperty, value))
	})
}

func comparisonHolds(op Operator, cmp int) bool {
	switch op {
	case OperatorLess, OperatorVersionLess:
		return cmp < 0
	case OperatorLessOrEqual, OperatorVersionLessOrEqual:
		return cmp <= 0
	case OperatorGreater, OperatorVersionGreater:
		return cmp > 0
	case OperatorGreaterOrEqual, OperatorVersionGreaterOrEqual:
		return cmp >= 0
	}
	return false
}

func parseNumber(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(number) {
		return 0, false
	}
	return number, true
}

func compareNumbers(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (e *Engine) matchesRegex(property string, values []string) (bool, error) {
	for _, source := range values {
		pattern, err := e.compile(source)
		if err != nil {
			return false, err
		}
		if pattern.MatchString(property) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) compile(source string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(source); ok {
		return cached.(*regexp.Regexp), nil
	}
	pattern, err := regexp.Compile(source)
	if err != nil {
		return nil, &ConfigError{Reason: "invalid regex " + strconv.Quote(source), Err: err}
	}
	actual, _ := e.patterns.LoadOrStore(source, pattern)
	return actual.(*regexp.Regexp), nil
}

func matchSet(property []string, op Operator, values []string) bool {
	switch op {
	case OperatorSetIs:
		return setEquals(property, values)
	case OperatorSetIsNot:
		return !setEquals(property, values)
	case OperatorSetContains:
		return containsAll(property, values)
	case OperatorSetDoesNotContain:
		return !containsAll(property, values)
	case OperatorSetContainsAny:
		return containsAny(property, values)
	case OperatorSetDoesNotContainAny:
		return !containsAny(property, values)
	}
	return false
}

func setEquals(property, values []string) bool {
	property, values = unique(property), unique(values)
	return containsAll(property, values) && containsAll(values, property)
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func containsAll(property, values []string) bool {
	if len(property) < len(values) {
		return false
	}
	for _, value := range values {
		if !matchesIs(value, property) {
			return false
		}
	}
	return true
}

func containsAny(property, values []string) bool {
	return slices.ContainsFunc(values, func(value string) bool {
		return matchesIs(value, property)
	})
}
