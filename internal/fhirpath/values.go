package fhirpath

import "fmt"

// Token is a (system, code) pair extracted from a Coding-shaped leaf, or a
// bare code when the leaf was a plain string/CodeableConcept without a
// system (spec.md Glossary, "Token").
type Token struct {
	System  string
	Code    string
	Display string
}

// AsString renders a primitive leaf value as a string, the representation
// used for plain "string" and "uri" typed parameters; objects and arrays
// report false.
func AsString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return fmt.Sprintf("%g", x), true
	case bool:
		return fmt.Sprintf("%t", x), true
	default:
		return "", false
	}
}

// AsTokens interprets leaf values as tokens: a bare string becomes a
// code-only token, a {system, code[, display]} object becomes a full
// token, and a {coding: [...]} CodeableConcept yields one token per coding.
func AsTokens(values []interface{}) []Token {
	var out []Token
	for _, v := range values {
		out = append(out, tokensFromLeaf(v)...)
	}
	return out
}

func tokensFromLeaf(v interface{}) []Token {
	switch x := v.(type) {
	case string:
		return []Token{{Code: x}}
	case map[string]interface{}:
		if codings, ok := x["coding"].([]interface{}); ok {
			var out []Token
			for _, c := range codings {
				out = append(out, tokensFromCoding(c)...)
			}
			return out
		}
		return tokensFromCoding(x)
	}
	return nil
}

func tokensFromCoding(v interface{}) []Token {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	display, _ := m["display"].(string)
	if code == "" && system == "" {
		return nil
	}
	return []Token{{System: system, Code: code, Display: display}}
}

// AsReferences interprets leaf values as FHIR references, returning the
// literal "Kind/id" reference string from either a bare string or a
// {reference: "Kind/id"} object.
func AsReferences(values []interface{}) []string {
	var out []string
	for _, v := range values {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case map[string]interface{}:
			if ref, ok := x["reference"].(string); ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// AsNumbers interprets leaf values as numeric values, accepting bare
// numbers and {value: N, ...} Quantity-shaped objects.
func AsNumbers(values []interface{}) []float64 {
	var out []float64
	for _, v := range values {
		switch x := v.(type) {
		case float64:
			out = append(out, x)
		case map[string]interface{}:
			if n, ok := x["value"].(float64); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// SortableString renders a leaf as the concatenation a lookup-table sort
// column stores, used to ORDER BY a lookup-table-backed parameter without
// joining the lookup table itself (spec.md §4.3).
func SortableString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]interface{}:
		if family, ok := x["family"].(string); ok {
			given := ""
			if givens, ok := x["given"].([]interface{}); ok && len(givens) > 0 {
				if s, ok := givens[0].(string); ok {
					given = s
				}
			}
			return family + " " + given
		}
	}
	return ""
}
