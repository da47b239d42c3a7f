// Package parser is the recursive-descent parser (component B): token
// stream to raw AST. Expression bodies are captured as
// verbatim token runs, not parsed here — that happens
// lazily in internal/eval.
package parser

import (
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/lexer"
)

// Parser holds the fully-lexed token stream for one file (the whole
// source fits in memory, non-streaming non-goal) and an
// id allocator threaded through every node it builds, so NodeIDs are
// unique from parse time onward.
type Parser struct {
	file string
	toks []api.Token
	pos int
	ids *api.IDAllocator
}

// New lexes src completely and returns a Parser ready to produce a
// Document. A lex error aborts immediately (Stage 1 fails fast).
func New(file string, src []byte, ids *api.IDAllocator) (*Parser, *api.SyntaxError) {
	lx := lexer.New(file, src)
	var toks []api.Token
	for {
		t, err := lx.Next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.Kind == api.TokenEOF {
			break
		}
	}
	return &Parser{file: file, toks: toks, ids: ids}, nil
}

func (p *Parser) cur() api.Token { return p.toks[p.pos] }
func (p *Parser) eof() bool { return p.cur().Kind == api.TokenEOF }
func (p *Parser) advance() { if p.pos < len(p.toks)-1 { p.pos++ } }
func (p *Parser) at(off int) api.Token {
	i := p.pos + off
	if i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[i]
}

func (p *Parser) errorf(loc api.Location, kind api.Kind, format string, a ...any) *api.SyntaxError {
	return api.NewSyntaxError(kind, loc, fmt.Sprintf(format, a...))
}

// ParseDocument is the entry point: token stream -> *api.Document.
func ParseDocument(file string, src []byte, ids *api.IDAllocator) (*api.Document, *api.SyntaxError) {
	p, err := New(file, src, ids)
	if err != nil {
		return nil, err
	}
	return p.parseDocument()
}

func (p *Parser) parseDocument() (*api.Document, *api.SyntaxError) {
	doc := &api.Document{}
	for !p.eof() {
		switch p.cur().Kind {
		case api.TokenAt, api.TokenHash:
			tags, err := p.parseTags()
			if err != nil {
				return nil, err
			}
			if p.cur().Kind == api.TokenLBracket {
				blk, err := p.parseBlock(tags)
				if err != nil {
					return nil, err
				}
				doc.Blocks = append(doc.Blocks, blk)
			} else if p.cur().Kind == api.TokenFreeText {
				ft := p.cur()
				p.advance()
				doc.Templates = append(doc.Templates, &api.FreeTextNode{Content: ft.Value, Tags: tags, Loc: ft.Loc, Id: p.ids.Next()})
			} else {
				return nil, p.errorf(p.cur().Loc, api.KindUnexpectedToken, "expected block or free-text after tag, got %s", p.cur().Kind)
			}
		case api.TokenLBracket:
			blk, err := p.parseBlock(nil)
			if err != nil {
				return nil, err
			}
			doc.Blocks = append(doc.Blocks, blk)
		case api.TokenFreeText:
			ft := p.cur()
			p.advance()
			doc.Templates = append(doc.Templates, &api.FreeTextNode{Content: ft.Value, Loc: ft.Loc, Id: p.ids.Next()})
		case api.TokenLess:
			node, err := p.parseAngle(true)
			if err != nil {
				return nil, err
			}
			switch v := node.(type) {
			case *api.ImportNode:
				doc.Imports = append(doc.Imports, v)
				doc.Templates = append(doc.Templates, v)
			case *api.InjectNode:
				doc.Injects = append(doc.Injects, v)
				doc.Templates = append(doc.Templates, v)
			default:
				doc.Templates = append(doc.Templates, v)
			}
		default:
			return nil, p.errorf(p.cur().Loc, api.KindUnexpectedToken, "unexpected token %s at document level", p.cur().Kind)
		}
	}
	return doc, nil
}

func (p *Parser) parseTags() ([]api.Tag, *api.SyntaxError) {
	var tags []api.Tag
	for p.cur().Kind == api.TokenAt || p.cur().Kind == api.TokenHash {
		kind := api.TagDefinitionKind
		if p.cur().Kind == api.TokenHash {
			kind = api.TagInstanceKind
		}
		loc := p.cur().Loc
		p.advance()
		if p.cur().Kind != api.TokenIdent {
			return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected tag name, got %s", p.cur().Kind)
		}
		name := p.cur().Value
		p.advance()
		arg := ""
		hasArg := false
		if p.cur().Kind == api.TokenLParen {
			p.advance()
			if p.cur().Kind != api.TokenIdent {
				return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected tag argument identifier, got %s", p.cur().Kind)
			}
			arg = p.cur().Value
			hasArg = true
			p.advance()
			if p.cur().Kind != api.TokenRParen {
				return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected ')' after tag argument")
			}
			p.advance()
		}
		tags = append(tags, api.Tag{Kind: kind, Name: name, Argument: arg, HasArgument: hasArg, Loc: loc})
	}
	return tags, nil
}

func (p *Parser) parseBlock(tags []api.Tag) (*api.Block, *api.SyntaxError) {
	loc := p.cur().Loc
	if len(tags) > 0 {
		loc = tags[0].Loc
	}
	if p.cur().Kind != api.TokenLBracket {
		return nil, p.errorf(p.cur().Loc, api.KindUnexpectedToken, "expected '['")
	}
	p.advance()
	block := api.NewBlock(loc)
	block.Id = p.ids.Next()
	block.Tags = tags
	if p.cur().Kind == api.TokenIdent {
		block.ID = p.cur().Value
		p.advance()
	}
	if p.cur().Kind == api.TokenLParen {
		props, err := p.parseProperties()
		if err != nil {
			return nil, err
		}
		block.Properties = props
	}
	for p.cur().Kind != api.TokenRBracket {
		if p.eof() {
			return nil, p.errorf(loc, api.KindInvalidGrammar, "unterminated block")
		}
		child, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		block.Children = append(block.Children, child)
	}
	p.advance() // ']'
	return block, nil
}

func (p *Parser) parseNode() (api.Node, *api.SyntaxError) {
	switch p.cur().Kind {
	case api.TokenAt, api.TokenHash:
		tags, err := p.parseTags()
		if err != nil {
			return nil, err
		}
		if p.cur().Kind == api.TokenLBracket {
			return p.parseBlock(tags)
		}
		if p.cur().Kind == api.TokenFreeText {
			ft := p.cur()
			p.advance()
			return &api.FreeTextNode{Content: ft.Value, Tags: tags, Loc: ft.Loc, Id: p.ids.Next()}, nil
		}
		return nil, p.errorf(p.cur().Loc, api.KindUnexpectedToken, "expected block or free-text after tag")
	case api.TokenLBracket:
		return p.parseBlock(nil)
	case api.TokenFreeText:
		ft := p.cur()
		p.advance()
		return &api.FreeTextNode{Content: ft.Value, Loc: ft.Loc, Id: p.ids.Next()}, nil
	case api.TokenLess:
		return p.parseAngle(false)
	default:
		return nil, p.errorf(p.cur().Loc, api.KindUnexpectedToken, "unexpected token %s", p.cur().Kind)
	}
}

func (p *Parser) parseProperties() (*orderedmap.OrderedMap[string, api.Value], *api.SyntaxError) {
	props := orderedmap.New[string, api.Value]()
	p.advance() // '('
	if p.cur().Kind == api.TokenRParen {
		p.advance()
		return props, nil
	}
	for {
		if p.cur().Kind != api.TokenIdent {
			return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected property name, got %s", p.cur().Kind)
		}
		name := p.cur().Value
		p.advance()
		if p.cur().Kind != api.TokenColon {
			return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected ':' after property name %q", name)
		}
		p.advance()
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		props.Set(name, val)
		if p.cur().Kind == api.TokenComma {
			p.advance()
			continue
		}
		break
	}
	if p.cur().Kind != api.TokenRParen {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected ')' to close properties")
	}
	p.advance()
	return props, nil
}

func (p *Parser) parseValue() (api.Value, *api.SyntaxError) {
	tok := p.cur()
	switch tok.Kind {
	case api.TokenString:
		p.advance()
		return api.NewStringLiteral(tok.Value, tok.Loc), nil
	case api.TokenNumber:
		p.advance()
		n, convErr := strconv.ParseFloat(tok.Value, 64)
		if convErr != nil {
			return nil, p.errorf(tok.Loc, api.KindInvalidGrammar, "invalid number literal %q", tok.Value)
		}
		return api.NewNumberLiteral(n, tok.Loc), nil
	case api.TokenBool:
		p.advance()
		return api.NewBoolLiteral(tok.Value == "true", tok.Loc), nil
	case api.TokenNull:
		p.advance()
		return api.NewNullLiteral(tok.Loc), nil
	case api.TokenLBrace:
		return p.parseArray()
	case api.TokenLParen:
		toks, err := p.captureBalanced(api.TokenLParen, api.TokenRParen)
		if err != nil {
			return nil, err
		}
		return &api.Expression{Tokens: toks, Loc: tok.Loc}, nil
	default:
		return nil, p.errorf(tok.Loc, api.KindUnexpectedToken, "unexpected token %s in value position", tok.Kind)
	}
}

func (p *Parser) parseArray() (api.Value, *api.SyntaxError) {
	loc := p.cur().Loc
	p.advance() // '{'
	arr := &api.Array{Loc: loc}
	if p.cur().Kind == api.TokenRBrace {
		p.advance()
		return arr, nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		arr.Elements = append(arr.Elements, v)
		if p.cur().Kind == api.TokenComma {
			p.advance()
			continue
		}
		break
	}
	if p.cur().Kind != api.TokenRBrace {
		return nil, p.errorf(p.cur().Loc, api.KindInvalidGrammar, "expected '}' to close array")
	}
	p.advance()
	return arr, nil
}

// captureBalanced assumes the current token is openKind, consumes it,
// and returns every token up to (and consuming) the matching closeKind,
// tracking nesting depth so sub-expressions in parens are captured
// whole.
func (p *Parser) captureBalanced(openKind, closeKind api.TokenKind) ([]api.Token, *api.SyntaxError) {
	start := p.cur().Loc
	p.advance()
	depth := 1
	var toks []api.Token
	for {
		if p.eof() {
			return nil, p.errorf(start, api.KindInvalidGrammar, "unterminated expression")
		}
		t := p.cur()
		if t.Kind == api.TokenLess {
			if next := p.at(1); next.Kind == api.TokenIdent && (next.Value == "inject" || next.Value == "import") {
				return nil, p.errorf(t.Loc, api.KindMisplacedInject, "<"+next.Value+"> is not valid inside a property expression")
			}
		}
		if t.Kind == openKind {
			depth++
		} else if t.Kind == closeKind {
			depth--
			if depth == 0 {
				p.advance()
				return toks, nil
			}
		}
		toks = append(toks, t)
		p.advance()
	}
}
