package jinja

import (
	"strings"

	"github.com/iepathos/rustle-deploy/pkg/rderrors"
)

// node is a parsed template fragment.
type node interface{ isNode() }

type textNode struct{ text string }

type outputNode struct{ expr string }

// branch is one arm of an if/elif chain.
type branch struct {
	cond string
	body []node
}

type ifNode struct {
	branches []branch
	elseBody []node
}

type forNode struct {
	loopVar  string
	iterable string
	body     []node
}

func (textNode) isNode()   {}
func (outputNode) isNode() {}
func (ifNode) isNode()     {}
func (forNode) isNode()    {}

// unsupportedKeywords are statement keywords the converter deliberately
// rejects rather than mistranslates.
var unsupportedKeywords = map[string]bool{
	"set": true, "include": true, "extends": true, "block": true,
	"macro": true, "raw": true, "filter": true,
	"endblock": true, "endmacro": true, "endraw": true, "endfilter": true,
	"endset": true,
}

type parser struct {
	tokens []token
	pos    int
}

// parse builds the node tree for a full template, requiring every block
// opened within to be closed.
func parse(tokens []token) ([]node, error) {
	p := &parser{tokens: tokens}
	nodes, terminator, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	if terminator != "" {
		return nil, &rderrors.TemplateError{
			Kind:   rderrors.TemplateErrInvalidSyntax,
			Detail: "unexpected " + terminator + " outside a block",
		}
	}
	return nodes, nil
}

// parseNodes consumes tokens until EOF or a block terminator
// (endif/endfor/else/elif), which is returned unconsumed-by-value so the
// enclosing block parser can act on it.
func (p *parser) parseNodes() ([]node, string, error) {
	var nodes []node

	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		p.pos++

		switch tok.kind {
		case tokenText:
			nodes = append(nodes, textNode{text: tok.val})

		case tokenOutput:
			nodes = append(nodes, outputNode{expr: tok.val})

		case tokenStatement:
			keyword, rest := splitKeyword(tok.val)

			if unsupportedKeywords[keyword] {
				return nil, "", rderrors.UnsupportedFeature(keyword)
			}

			switch keyword {
			case "if":
				n, err := p.parseIf(rest)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, n)
			case "for":
				n, err := p.parseFor(rest)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, n)
			case "endif", "endfor", "else", "elif":
				// Hand control back to the enclosing block parser. elif
				// carries its condition along.
				return nodes, strings.TrimSpace(keyword + " " + rest), nil
			default:
				return nil, "", &rderrors.TemplateError{
					Kind:   rderrors.TemplateErrInvalidSyntax,
					Detail: "unknown statement " + keyword,
				}
			}
		}
	}

	return nodes, "", nil
}

func (p *parser) parseIf(cond string) (node, error) {
	n := ifNode{}
	currentCond := cond

	for {
		body, terminator, err := p.parseNodes()
		if err != nil {
			return nil, err
		}

		switch {
		case terminator == "endif":
			n.branches = append(n.branches, branch{cond: currentCond, body: body})
			return n, nil

		case terminator == "else":
			n.branches = append(n.branches, branch{cond: currentCond, body: body})
			elseBody, elseTerm, err := p.parseNodes()
			if err != nil {
				return nil, err
			}
			if elseTerm != "endif" {
				return nil, rderrors.UnclosedBlock("if")
			}
			n.elseBody = elseBody
			return n, nil

		case strings.HasPrefix(terminator, "elif"):
			n.branches = append(n.branches, branch{cond: currentCond, body: body})
			currentCond = strings.TrimSpace(strings.TrimPrefix(terminator, "elif"))

		default:
			return nil, rderrors.UnclosedBlock("if")
		}
	}
}

func (p *parser) parseFor(header string) (node, error) {
	parts := strings.SplitN(header, " in ", 2)
	if len(parts) != 2 {
		return nil, &rderrors.TemplateError{
			Kind:   rderrors.TemplateErrInvalidSyntax,
			Detail: "malformed for statement: " + header,
		}
	}

	body, terminator, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	if terminator != "endfor" {
		return nil, rderrors.UnclosedBlock("for")
	}

	return forNode{
		loopVar:  strings.TrimSpace(parts[0]),
		iterable: strings.TrimSpace(parts[1]),
		body:     body,
	}, nil
}

func splitKeyword(stmt string) (string, string) {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, ' '); i >= 0 {
		return stmt[:i], strings.TrimSpace(stmt[i+1:])
	}
	return stmt, ""
}
