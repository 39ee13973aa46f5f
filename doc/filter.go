package doc

import (
	"errors"
	"fmt"
)

// The partial-filter grammar is a whitelist: only comparison, logical,
// $exists, $type, $in and the geo containment operators are accepted.
// Anything else fails parsing so an index can never be created whose
// filter the write path cannot evaluate.

const DefaultMaxFilterDepth = 4

var ErrFilterTooDeep = errors.New("doc: filter expression exceeds maximum nesting depth")

type filterOp byte

const (
	opEq filterOp = iota
	opGt
	opGte
	opLt
	opLte
	opIn
	opExists
	opType
	opGeoWithin
	opGeoIntersects
	opAnd
	opOr
)

var filterOpNames = map[string]filterOp{
	"$eq":            opEq,
	"$gt":            opGt,
	"$gte":           opGte,
	"$lt":            opLt,
	"$lte":           opLte,
	"$in":            opIn,
	"$exists":        opExists,
	"$type":          opType,
	"$geoWithin":     opGeoWithin,
	"$geoIntersects": opGeoIntersects,
}

// Filter is a parsed, restricted match expression.
type Filter struct {
	op       filterOp
	path     string
	operand  any
	children []*Filter
}

// ParseFilter validates raw against the restricted grammar. maxDepth
// bounds operator nesting; pass 0 for the default.
func ParseFilter(raw Doc, maxDepth int) (*Filter, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxFilterDepth
	}
	return parseFilterDoc(raw, maxDepth)
}

func parseFilterDoc(raw Doc, depth int) (*Filter, error) {
	if depth <= 0 {
		return nil, ErrFilterTooDeep
	}
	root := &Filter{op: opAnd}
	for field, operand := range raw {
		switch field {
		case "$and", "$or":
			arr, ok := operand.([]any)
			if !ok || len(arr) == 0 {
				return nil, fmt.Errorf("doc: %s needs a non-empty array", field)
			}
			node := &Filter{op: opAnd}
			if field == "$or" {
				node.op = opOr
			}
			for _, sub := range arr {
				subDoc, ok := asDoc(sub)
				if !ok {
					return nil, fmt.Errorf("doc: %s elements must be objects", field)
				}
				child, err := parseFilterDoc(subDoc, depth-1)
				if err != nil {
					return nil, err
				}
				node.children = append(node.children, child)
			}
			root.children = append(root.children, node)
		default:
			if len(field) > 0 && field[0] == '$' {
				return nil, fmt.Errorf("doc: unsupported operator %q in filter", field)
			}
			nodes, err := parsePredicate(field, operand, depth-1)
			if err != nil {
				return nil, err
			}
			root.children = append(root.children, nodes...)
		}
	}
	return root, nil
}

func parsePredicate(path string, operand any, depth int) ([]*Filter, error) {
	if depth < 0 {
		return nil, ErrFilterTooDeep
	}
	opDoc, ok := asDoc(operand)
	if !ok || !hasOperatorKey(opDoc) {
		// bare value means equality
		return []*Filter{{op: opEq, path: path, operand: operand}}, nil
	}
	out := make([]*Filter, 0, len(opDoc))
	for name, arg := range opDoc {
		op, ok := filterOpNames[name]
		if !ok {
			return nil, fmt.Errorf("doc: unsupported operator %q in filter", name)
		}
		if op == opIn {
			if _, isArr := arg.([]any); !isArr {
				return nil, errors.New("doc: $in needs an array operand")
			}
		}
		out = append(out, &Filter{op: op, path: path, operand: arg})
	}
	return out, nil
}

func hasOperatorKey(d Doc) bool {
	for k := range d {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func asDoc(v any) (Doc, bool) {
	switch d := v.(type) {
	case Doc:
		return d, true
	case map[string]any:
		return Doc(d), true
	default:
		return nil, false
	}
}

// Matches evaluates the filter against a document. Geo predicates are
// parse-accepted but conservatively match nothing here; the access
// methods that need real geo matching evaluate them downstream.
func (f *Filter) Matches(d Doc) bool {
	if f == nil {
		return true
	}
	switch f.op {
	case opAnd:
		for _, c := range f.children {
			if !c.Matches(d) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range f.children {
			if c.Matches(d) {
				return true
			}
		}
		return false
	case opExists:
		_, ok := d.Get(f.path)
		want, _ := f.operand.(bool)
		return ok == want
	case opType:
		v, ok := d.Get(f.path)
		if !ok {
			return false
		}
		want, _ := f.operand.(string)
		return TypeName(v) == want
	case opIn:
		v, ok := d.Get(f.path)
		if !ok {
			return false
		}
		arr, _ := f.operand.([]any)
		for _, cand := range arr {
			if Compare(v, cand) == 0 {
				return true
			}
		}
		return false
	case opGeoWithin, opGeoIntersects:
		return false
	default:
		v, ok := d.Get(f.path)
		if !ok {
			return false
		}
		cmp := Compare(v, f.operand)
		switch f.op {
		case opEq:
			return cmp == 0
		case opGt:
			return cmp > 0
		case opGte:
			return cmp >= 0
		case opLt:
			return cmp < 0
		case opLte:
			return cmp <= 0
		}
		return false
	}
}
