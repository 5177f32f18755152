package jinja

import (
	"strings"

	"github.com/iepathos/rustle-deploy/pkg/rderrors"
)

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenOutput
	tokenStatement
)

type token struct {
	kind tokenKind
	// val is the raw text for tokenText, or the trimmed interior for
	// tokenOutput ({{ ... }}) and tokenStatement ({% ... %}).
	val string
}

// lex splits src into text, output, and statement tokens. Delimiters do
// not nest, so a single forward scan suffices.
func lex(src string) ([]token, error) {
	var tokens []token
	rest := src

	for len(rest) > 0 {
		iOut := strings.Index(rest, "{{")
		iStmt := strings.Index(rest, "{%")

		next, open, closing := -1, "", ""
		switch {
		case iOut >= 0 && (iStmt < 0 || iOut < iStmt):
			next, open, closing = iOut, "{{", "}}"
		case iStmt >= 0:
			next, open, closing = iStmt, "{%", "%}"
		}

		if next < 0 {
			tokens = append(tokens, token{kind: tokenText, val: rest})
			break
		}

		if next > 0 {
			tokens = append(tokens, token{kind: tokenText, val: rest[:next]})
		}
		rest = rest[next+len(open):]

		end := strings.Index(rest, closing)
		if end < 0 {
			return nil, &rderrors.TemplateError{
				Kind:   rderrors.TemplateErrInvalidSyntax,
				Detail: "unterminated " + open + " delimiter",
			}
		}

		interior := strings.TrimSpace(rest[:end])
		if open == "{{" {
			tokens = append(tokens, token{kind: tokenOutput, val: interior})
		} else {
			tokens = append(tokens, token{kind: tokenStatement, val: interior})
		}
		rest = rest[end+len(closing):]
	}

	return tokens, nil
}
