package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ================================================================================
// Lexer
// ================================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			op := src[start:i]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("unexpected %q at position %d", op, start)
			}
			tokens = append(tokens, token{tokOp, op, start})
		case c == '"' || c == '\'':
			start := i
			quote := c
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string starting at position %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			if _, err := strconv.ParseFloat(src[start:i], 64); err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", src[start:i], start)
			}
			tokens = append(tokens, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(rune(c)):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || src[i] == '-' ||
				unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			tokens = append(tokens, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	return append(tokens, token{tokEOF, "", len(src)}), nil
}

// ================================================================================
// AST
// ================================================================================

type nodeType int

const (
	nodeAnd nodeType = iota
	nodeOr
	nodeNot
	nodeCompare
	nodeExists
	nodeTruthy
)

// operand is a literal value or a field reference.
type operand struct {
	field   string
	literal interface{}
	isField bool
}

type node struct {
	typ         nodeType
	left, right *node
	op          string
	field       string
	value       operand
	pattern     *regexp.Regexp
}

// ================================================================================
// Parser
// ================================================================================

// Expression is a compiled policy condition.
type Expression struct {
	source string
	root   *node
}

// String returns the source text.
func (e *Expression) String() string { return e.source }

// Compile parses a condition such as `protocol == "http" AND destination_external == true`.
func Compile(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.text, tok.pos)
	}
	return &Expression{source: src, root: root}, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) keyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && strings.EqualFold(tok.text, word)
}

func (p *parser) keywordAt(offset int, word string) bool {
	if p.pos+offset >= len(p.tokens) {
		return false
	}
	tok := p.tokens[p.pos+offset]
	return tok.kind == tokIdent && strings.EqualFold(tok.text, word)
}

// parseOr: and (OR and)*
func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &node{typ: nodeOr, left: left, right: right}
	}
	return left, nil
}

// parseAnd: not (AND not)*
func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &node{typ: nodeAnd, left: left, right: right}
	}
	return left, nil
}

// parseNot: NOT not | primary
func (p *parser) parseNot() (*node, error) {
	if p.keyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeNot, left: inner}, nil
	}
	return p.parsePrimary()
}

// parsePrimary: '(' or ')' | comparison
func (p *parser) parsePrimary() (*node, error) {
	tok := p.peek()
	if tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at position %d", closing.pos)
		}
		return inner, nil
	}
	if tok.kind != tokIdent || isReserved(tok.text) {
		return nil, fmt.Errorf("expected field name at position %d, got %q", tok.pos, tok.text)
	}
	field := p.next().text
	return p.parseComparison(field)
}

func (p *parser) parseComparison(field string) (*node, error) {
	tok := p.peek()
	switch {
	case tok.kind == tokOp:
		p.next()
		value, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeCompare, op: tok.text, field: field, value: value}, nil
	case p.keyword("EXISTS"):
		p.next()
		return &node{typ: nodeExists, field: field}, nil
	case p.keyword("NOT") && p.keywordAt(1, "EXISTS"):
		p.next()
		p.next()
		return &node{typ: nodeNot, left: &node{typ: nodeExists, field: field}}, nil
	case p.keyword("NOT") && p.keywordAt(1, "IN"):
		p.next()
		p.next()
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeNot, left: &node{typ: nodeCompare, op: "IN", field: field, value: list}}, nil
	case p.keyword("IN"):
		p.next()
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeCompare, op: "IN", field: field, value: list}, nil
	case p.keyword("CONTAINS"), p.keyword("STARTS_WITH"), p.keyword("ENDS_WITH"):
		op := strings.ToUpper(p.next().text)
		value, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeCompare, op: op, field: field, value: value}, nil
	case p.keyword("MATCHES"):
		p.next()
		patTok := p.next()
		if patTok.kind != tokString {
			return nil, fmt.Errorf("MATCHES needs a string pattern at position %d", patTok.pos)
		}
		re, err := regexp.Compile(patTok.text)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern at position %d: %w", patTok.pos, err)
		}
		return &node{typ: nodeCompare, op: "MATCHES", field: field, pattern: re}, nil
	default:
		// a bare field is true when its value is truthy
		return &node{typ: nodeTruthy, field: field}, nil
	}
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.peek()
	switch tok.kind {
	case tokString:
		p.next()
		return operand{literal: tok.text}, nil
	case tokNumber:
		p.next()
		f, _ := strconv.ParseFloat(tok.text, 64)
		return operand{literal: f}, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		p.next()
		switch strings.ToLower(tok.text) {
		case "true":
			return operand{literal: true}, nil
		case "false":
			return operand{literal: false}, nil
		case "null", "nil":
			return operand{literal: nil}, nil
		}
		if isReserved(tok.text) {
			return operand{}, fmt.Errorf("unexpected keyword %q at position %d", tok.text, tok.pos)
		}
		return operand{field: tok.text, isField: true}, nil
	default:
		return operand{}, fmt.Errorf("expected value at position %d, got %q", tok.pos, tok.text)
	}
}

func (p *parser) parseList() (operand, error) {
	open := p.next()
	if open.kind != tokLBracket {
		return operand{}, fmt.Errorf("expected [ at position %d", open.pos)
	}
	var items []interface{}
	if p.peek().kind == tokRBracket {
		p.next()
		return operand{literal: items}, nil
	}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return operand{}, err
		}
		if item.isField {
			return operand{}, fmt.Errorf("list items must be literals, got field %q", item.field)
		}
		items = append(items, item.literal)
		sep := p.next()
		if sep.kind == tokRBracket {
			return operand{literal: items}, nil
		}
		if sep.kind != tokComma {
			return operand{}, fmt.Errorf("expected , or ] at position %d", sep.pos)
		}
	}
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "EXISTS": true,
	"CONTAINS": true, "STARTS_WITH": true, "ENDS_WITH": true, "MATCHES": true,
}

func isReserved(word string) bool { return reserved[strings.ToUpper(word)] }
