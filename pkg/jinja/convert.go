// Package jinja converts the Jinja2 subset used in task templates into
// the Handlebars dialect understood by the renderer embedded in produced
// binaries. Conversion is driven by a lexer and recursive-descent parser
// rather than textual rewriting, so nested blocks balance by construction
// and unsupported constructs are rejected instead of mistranslated.
//
// Supported: variable output (dotted paths included), if/elif/else,
// for-loops, the default() filter, and ==/!= comparisons inside if
// expressions. set/include/extends/block/macro/raw/filter are rejected.
package jinja

import (
	"strings"
)

// Convert translates a Jinja2-subset template into its Handlebars
// equivalent.
func Convert(src string) (string, error) {
	tokens, err := lex(src)
	if err != nil {
		return "", err
	}
	nodes, err := parse(tokens)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	render(&b, nodes, map[string]bool{})
	return b.String(), nil
}

// render walks the tree emitting Handlebars. loopVars tracks enclosing
// for-loop variables so references to them rewrite to `this`.
func render(b *strings.Builder, nodes []node, loopVars map[string]bool) {
	for _, n := range nodes {
		switch n := n.(type) {
		case textNode:
			b.WriteString(n.text)

		case outputNode:
			b.WriteString("{{")
			b.WriteString(convertOutput(n.expr, loopVars))
			b.WriteString("}}")

		case ifNode:
			for i, br := range n.branches {
				if i == 0 {
					b.WriteString("{{#if ")
				} else {
					b.WriteString("{{else if ")
				}
				b.WriteString(convertCondition(br.cond, loopVars))
				b.WriteString("}}")
				render(b, br.body, loopVars)
			}
			if n.elseBody != nil {
				b.WriteString("{{else}}")
				render(b, n.elseBody, loopVars)
			}
			b.WriteString("{{/if}}")

		case forNode:
			b.WriteString("{{#each ")
			b.WriteString(convertRef(n.iterable, loopVars))
			b.WriteString("}}")

			inner := make(map[string]bool, len(loopVars)+1)
			for k := range loopVars {
				inner[k] = true
			}
			inner[n.loopVar] = true
			render(b, n.body, inner)

			b.WriteString("{{/each}}")
		}
	}
}

// convertOutput handles a {{ ... }} expression, including the default()
// filter: `x | default('val')` becomes a helper call.
func convertOutput(expr string, loopVars map[string]bool) string {
	if i := strings.IndexByte(expr, '|'); i >= 0 {
		ref := strings.TrimSpace(expr[:i])
		filter := strings.TrimSpace(expr[i+1:])
		if arg, ok := defaultFilterArg(filter); ok {
			return "default " + convertRef(ref, loopVars) + " " + arg
		}
		// Unrecognised filters pass the reference through unfiltered; the
		// runtime helper set is closed.
		return convertRef(ref, loopVars)
	}
	return convertRef(expr, loopVars)
}

// defaultFilterArg extracts the argument of a default(...) filter,
// quoting string literals with double quotes and passing numbers through.
func defaultFilterArg(filter string) (string, bool) {
	if !strings.HasPrefix(filter, "default(") || !strings.HasSuffix(filter, ")") {
		return "", false
	}
	arg := strings.TrimSpace(filter[len("default(") : len(filter)-1])
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		return `"` + arg[1:len(arg)-1] + `"`, true
	}
	return arg, true
}

// convertCondition handles if/elif expressions: equality and inequality
// become eq/ne subexpressions, bare references become truthiness checks.
func convertCondition(cond string, loopVars map[string]bool) string {
	ops := []struct{ op, helper string }{{"==", "eq"}, {"!=", "ne"}}
	for _, o := range ops {
		if i := strings.Index(cond, o.op); i >= 0 {
			lhs := convertOperand(strings.TrimSpace(cond[:i]), loopVars)
			rhs := convertOperand(strings.TrimSpace(cond[i+len(o.op):]), loopVars)
			return "(" + o.helper + " " + lhs + " " + rhs + ")"
		}
	}
	return convertRef(strings.TrimSpace(cond), loopVars)
}

// convertOperand maps a comparison operand: quoted literals keep literal
// form (normalised to double quotes), everything else is a reference.
func convertOperand(operand string, loopVars map[string]bool) string {
	if len(operand) >= 2 && (operand[0] == '\'' || operand[0] == '"') && operand[len(operand)-1] == operand[0] {
		return `"` + operand[1:len(operand)-1] + `"`
	}
	return convertRef(operand, loopVars)
}

// convertRef rewrites a variable reference, mapping enclosing loop
// variables to `this` (and `x.field` to `this.field`).
func convertRef(ref string, loopVars map[string]bool) string {
	if loopVars[ref] {
		return "this"
	}
	if i := strings.IndexByte(ref, '.'); i >= 0 && loopVars[ref[:i]] {
		return "this" + ref[i:]
	}
	return ref
}
