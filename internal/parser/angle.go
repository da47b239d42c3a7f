package parser

import (
	"github.com/the-ox-studio/oxdef/api"
)

// isOpenTag reports whether the upcoming tokens are "<" name, without
// requiring a following "/" (used to spot <elseif>, <else>, <on-error>
// siblings and the next top-level construct).
func (p *Parser) isOpenTag(name string) bool {
	return p.cur().Kind == api.TokenLess && p.at(1).Kind == api.TokenIdent && p.at(1).Value == name
}

// isCloseTag reports whether the upcoming tokens are "</" name ">".
func (p *Parser) isCloseTag(name string) bool {
	return p.cur().Kind == api.TokenLess && p.at(1).Kind == api.TokenSlash &&
	p.at(2).Kind == api.TokenIdent && p.at(2).Value == name
}

func (p *Parser) expectCloseTag(name string) *api.SyntaxError {
	if !p.isCloseTag(name) {
		return p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected </%s>", name)
	}
	p.advance() // <
	p.advance() // /
	p.advance() // name
	if p.cur().Kind != api.TokenGreater {
		return p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected '>' to close </%s>", name)
	}
	p.advance()
	return nil
}

// parseNodeListUntil collects nodes (recursing through parseNode, which
// itself fully consumes any nested construct's own closing tag) until
// stop() reports true, without consuming whatever stop() matched.
func (p *Parser) parseNodeListUntil(startLoc api.Location, stop func() bool) ([]api.Node, *api.SyntaxError) {
	var nodes []api.Node
	for {
		if stop() {
			return nodes, nil
		}
		if p.eof() {
			return nil, p.errorf(startLoc, api.KindInvalidGrammar, "unterminated template body")
		}
		n, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
}

// parseAngle dispatches on the keyword following '<'. topLevel controls
// whether <import> is permitted here — the parser rejects it anywhere
// else.
func (p *Parser) parseAngle(topLevel bool) (api.Node, *api.SyntaxError) {
	loc := p.cur().Loc
	p.advance() // '<'
	if p.cur().Kind != api.TokenIdent {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected a template keyword after '<'")
	}
	kw := p.cur().Value
	p.advance()
	switch kw {
	case "set":
		return p.parseSet(loc)
	case "if":
		return p.parseIf(loc)
	case "foreach":
		return p.parseForeach(loc)
	case "while":
		return p.parseWhile(loc)
	case "on-data":
		return p.parseOnData(loc)
	case "import":
		if !topLevel {
			return nil, p.errorf(loc, api.KindMisplacedImport, "<import> is only valid at document top level")
		}
		return p.parseImport(loc)
	case "inject":
		return p.parseInject(loc)
	default:
		return nil, p.errorf(loc, api.KindInvalidGrammar, "unknown template keyword %q", kw)
	}
}

// parseParenExpr expects the current token to be '(' and returns its
// balanced token contents as an *api.Expression.
func (p *Parser) parseParenExpr() (*api.Expression, *api.SyntaxError) {
	loc := p.cur().Loc
	if p.cur().Kind != api.TokenLParen {
		return nil, p.errorf(loc, api.KindInvalidGrammar, "expected '(' to open expression")
	}
	toks, err := p.captureBalanced(api.TokenLParen, api.TokenRParen)
	if err != nil {
		return nil, err
	}
	return &api.Expression{Tokens: toks, Loc: loc}, nil
}

func (p *Parser) expectGreater() *api.SyntaxError {
	if p.cur().Kind != api.TokenGreater {
		return p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected '>' to close tag")
	}
	p.advance()
	return nil
}

func (p *Parser) parseSet(loc api.Location) (api.Node, *api.SyntaxError) {
	if p.cur().Kind != api.TokenIdent {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected variable name in <set>")
	}
	name := p.cur().Value
	p.advance()
	if p.cur().Kind != api.TokenEquals {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected '=' in <set>")
	}
	p.advance()
	val, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	return &api.SetNode{Name: name, Value: val, Loc: loc, Id: p.ids.Next()}, nil
}

func (p *Parser) parseCondition() (*api.Expression, *api.SyntaxError) {
	cond, err := p.parseParenExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *Parser) parseIf(loc api.Location) (api.Node, *api.SyntaxError) {
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	stop := func() bool { return p.isOpenTag("elseif") || p.isOpenTag("else") || p.isCloseTag("if") }
	then, err := p.parseNodeListUntil(loc, stop)
	if err != nil {
		return nil, err
	}
	node := &api.IfNode{Condition: cond, Then: then, Loc: loc, Id: p.ids.Next()}
	for p.isOpenTag("elseif") {
		p.advance() // <
		p.advance() // elseif
		c, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		body, err := p.parseNodeListUntil(loc, stop)
		if err != nil {
			return nil, err
		}
		node.ElseIfs = append(node.ElseIfs, api.ElseIf{Condition: c, Body: body})
	}
	if p.isOpenTag("else") {
		p.advance() // <
		p.advance() // else
		if err := p.expectGreater(); err != nil {
			return nil, err
		}
		elseBody, err := p.parseNodeListUntil(loc, func() bool { return p.isCloseTag("if") })
		if err != nil {
			return nil, err
		}
		node.Else = elseBody
	}
	if err := p.expectCloseTag("if"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) parseForeach(loc api.Location) (api.Node, *api.SyntaxError) {
	if p.cur().Kind != api.TokenLParen {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected '(' after <foreach>")
	}
	p.advance()
	if p.cur().Kind != api.TokenIdent {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected item name in <foreach>")
	}
	item := p.cur().Value
	p.advance()
	index := ""
	hasIndex := false
	if p.cur().Kind == api.TokenComma {
		p.advance()
		if p.cur().Kind != api.TokenIdent {
			return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected index name in <foreach>")
		}
		index = p.cur().Value
		hasIndex = true
		p.advance()
	}
	if p.cur().Kind != api.TokenIdent || p.cur().Value != "in" {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected 'in' in <foreach>")
	}
	p.advance()
	if p.cur().Kind != api.TokenIdent {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected collection name in <foreach>")
	}
	collection := p.cur().Value
	p.advance()
	if p.cur().Kind != api.TokenRParen {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected ')' to close <foreach> header")
	}
	p.advance()
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	body, err := p.parseNodeListUntil(loc, func() bool { return p.isCloseTag("foreach") })
	if err != nil {
		return nil, err
	}
	if err := p.expectCloseTag("foreach"); err != nil {
		return nil, err
	}
	return &api.ForeachNode{Item: item, Index: index, HasIndex: hasIndex, Collection: collection, Body: body, Loc: loc, Id: p.ids.Next()}, nil
}

func (p *Parser) parseWhile(loc api.Location) (api.Node, *api.SyntaxError) {
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	body, err := p.parseNodeListUntil(loc, func() bool { return p.isCloseTag("while") })
	if err != nil {
		return nil, err
	}
	if err := p.expectCloseTag("while"); err != nil {
		return nil, err
	}
	return &api.WhileNode{Condition: cond, Body: body, Loc: loc, Id: p.ids.Next()}, nil
}

func (p *Parser) parseOnData(loc api.Location) (api.Node, *api.SyntaxError) {
	if p.cur().Kind != api.TokenIdent {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected data-source name in <on-data>")
	}
	source := p.cur().Value
	p.advance()
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	onSuccess, err := p.parseNodeListUntil(loc, func() bool { return p.isOpenTag("on-error") || p.isCloseTag("on-data") })
	if err != nil {
		return nil, err
	}
	var onError []api.Node
	if p.isOpenTag("on-error") {
		p.advance() // <
		p.advance() // on-error
		if err := p.expectGreater(); err != nil {
			return nil, err
		}
		onError, err = p.parseNodeListUntil(loc, func() bool { return p.isCloseTag("on-data") })
		if err != nil {
			return nil, err
		}
	}
	if err := p.expectCloseTag("on-data"); err != nil {
		return nil, err
	}
	return &api.OnDataNode{SourceName: source, OnSuccess: onSuccess, OnError: onError, Loc: loc, Id: p.ids.Next()}, nil
}

func (p *Parser) parseImport(loc api.Location) (api.Node, *api.SyntaxError) {
	if p.cur().Kind != api.TokenString {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected a path string in <import>")
	}
	path := p.cur().Value
	p.advance()
	alias := ""
	if p.cur().Kind == api.TokenIdent && p.cur().Value == "as" {
		p.advance()
		if p.cur().Kind != api.TokenIdent {
			return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected alias identifier after 'as'")
		}
		alias = p.cur().Value
		p.advance()
	}
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	return &api.ImportNode{Path: path, Alias: alias, Loc: loc, Id: p.ids.Next()}, nil
}

func (p *Parser) parseInject(loc api.Location) (api.Node, *api.SyntaxError) {
	if p.cur().Kind != api.TokenString {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected a path string in <inject>")
	}
	path := p.cur().Value
	p.advance()
	if err := p.expectGreater(); err != nil {
		return nil, err
	}
	return &api.InjectNode{Path: path, Loc: loc, Id: p.ids.Next()}, nil
}
