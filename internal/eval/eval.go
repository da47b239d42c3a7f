// Package eval is the Expression Evaluator (component G): a
// Pratt/precedence-climbing parser that walks a captured token stream
// directly (no separate AST), with dollar-reference resolution injected
// via the DollarHandler strategy rather than hard-wired, so pass 1 and
// pass 2 of the reference resolver (internal/resolve) can each install
// their own override.
package eval

import (
	"math"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/the-ox-studio/oxdef/api"
)

// DollarHandler resolves a $-prefixed reference. toks is positioned at
// the TokenDollar; it returns the resolved value and the number of
// tokens consumed (including the dollar and the reference chain).
type DollarHandler interface {
	ResolveDollar(toks []api.Token, loc api.Location) (api.Value, int, *api.Diagnostic)
}

// evaluator holds one evaluation's state: the token stream, a cursor, and
// the two collaborators (variable scope, dollar handler) a caller injects
// rather than reaching for global state. The variable scope is
// api.VarReader, the same narrow seam a DataSourceWrapper closes over,
// so eval never needs to import internal/txn.
type evaluator struct {
	toks []api.Token
	pos int
	scope api.VarReader
	dollar DollarHandler
	loc api.Location
}

// Eval evaluates a full token stream as one expression.
func Eval(toks []api.Token, loc api.Location, scope api.VarReader, dollar DollarHandler) (api.Value, *api.Diagnostic) {
	e := &evaluator{toks: toks, scope: scope, dollar: dollar, loc: loc}
	v, err := e.parseOr()
	if err != nil {
		return nil, err
	}
	if e.pos < len(e.toks) {
		return nil, api.NewDiagnostic(api.KindUnknownOperator, e.cur().Loc, "unexpected trailing tokens in expression")
	}
	return v, nil
}

func (e *evaluator) cur() api.Token {
	if e.pos >= len(e.toks) {
		return api.Token{Kind: api.TokenEOF, Loc: e.loc}
	}
	return e.toks[e.pos]
}

func (e *evaluator) advance() api.Token {
	t := e.cur()
	if e.pos < len(e.toks) {
		e.pos++
	}
	return t
}

func (e *evaluator) check(k api.TokenKind) bool { return e.cur().Kind == k }

// parseOr..parseUnary implement the precedence ladder names,
// lowest to highest: || , && , ==/!= , </<=/>/>= , +/- , */% , ^ (right
// assoc), unary (!/-), primary.
func (e *evaluator) parseOr() (api.Value, *api.Diagnostic) {
	left, err := e.parseAnd()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenOrOr) {
		e.advance()
		right, err := e.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolLiteral(ToBool(left) || ToBool(right), e.loc)
	}
	return left, nil
}

func (e *evaluator) parseAnd() (api.Value, *api.Diagnostic) {
	left, err := e.parseEquality()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenAndAnd) {
		e.advance()
		right, err := e.parseEquality()
		if err != nil {
			return nil, err
		}
		left = boolLiteral(ToBool(left) && ToBool(right), e.loc)
	}
	return left, nil
}

func (e *evaluator) parseEquality() (api.Value, *api.Diagnostic) {
	left, err := e.parseComparison()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenEqEq) || e.check(api.TokenNotEq) {
		op := e.advance().Kind
		right, err := e.parseComparison()
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(left, right)
		if op == api.TokenNotEq {
			eq = !eq
		}
		left = boolLiteral(eq, e.loc)
	}
	return left, nil
}

func (e *evaluator) parseComparison() (api.Value, *api.Diagnostic) {
	left, err := e.parseAdditive()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenLess) || e.check(api.TokenLessEq) || e.check(api.TokenGreater) || e.check(api.TokenGreaterEq) {
		op := e.advance().Kind
		right, err := e.parseAdditive()
		if err != nil {
			return nil, err
		}
		ln, derr := toNumber(left, e.loc)
		if derr != nil {
			return nil, derr
		}
		rn, derr := toNumber(right, e.loc)
		if derr != nil {
			return nil, derr
		}
		var result bool
		switch op {
		case api.TokenLess:
			result = ln < rn
		case api.TokenLessEq:
			result = ln <= rn
		case api.TokenGreater:
			result = ln > rn
		case api.TokenGreaterEq:
			result = ln >= rn
		}
		left = boolLiteral(result, e.loc)
	}
	return left, nil
}

func (e *evaluator) parseAdditive() (api.Value, *api.Diagnostic) {
	left, err := e.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenPlus) || e.check(api.TokenMinus) {
		op := e.advance().Kind
		right, err := e.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		if op == api.TokenPlus {
			if s, ok := tryStringConcat(left, right); ok {
				left = api.NewStringLiteral(s, e.loc)
				continue
			}
		}
		ln, derr := toNumber(left, e.loc)
		if derr != nil {
			return nil, derr
		}
		rn, derr := toNumber(right, e.loc)
		if derr != nil {
			return nil, derr
		}
		if op == api.TokenPlus {
			left = api.NewNumberLiteral(ln+rn, e.loc)
		} else {
			left = api.NewNumberLiteral(ln-rn, e.loc)
		}
	}
	return left, nil
}

func (e *evaluator) parseMultiplicative() (api.Value, *api.Diagnostic) {
	left, err := e.parseExponent()
	if err != nil {
		return nil, err
	}
	for e.check(api.TokenStar) || e.check(api.TokenSlash) || e.check(api.TokenPercent) {
		op := e.advance().Kind
		right, err := e.parseExponent()
		if err != nil {
			return nil, err
		}
		ln, derr := toNumber(left, e.loc)
		if derr != nil {
			return nil, derr
		}
		rn, derr := toNumber(right, e.loc)
		if derr != nil {
			return nil, derr
		}
		switch op {
		case api.TokenStar:
			left = api.NewNumberLiteral(ln*rn, e.loc)
		case api.TokenSlash:
			left = api.NewNumberLiteral(ln/rn, e.loc)
		case api.TokenPercent:
			left = api.NewNumberLiteral(math.Mod(ln, rn), e.loc)
		}
	}
	return left, nil
}

// parseExponent is right-associative: a ^ b ^ c == a ^ (b ^ c).
func (e *evaluator) parseExponent() (api.Value, *api.Diagnostic) {
	left, err := e.parseUnary()
	if err != nil {
		return nil, err
	}
	if e.check(api.TokenCaret) {
		e.advance()
		right, err := e.parseExponent()
		if err != nil {
			return nil, err
		}
		ln, derr := toNumber(left, e.loc)
		if derr != nil {
			return nil, derr
		}
		rn, derr := toNumber(right, e.loc)
		if derr != nil {
			return nil, derr
		}
		return api.NewNumberLiteral(math.Pow(ln, rn), e.loc), nil
	}
	return left, nil
}

func (e *evaluator) parseUnary() (api.Value, *api.Diagnostic) {
	if e.check(api.TokenBang) {
		e.advance()
		v, err := e.parseUnary()
		if err != nil {
			return nil, err
		}
		return boolLiteral(!ToBool(v), e.loc), nil
	}
	if e.check(api.TokenMinus) {
		e.advance()
		v, err := e.parseUnary()
		if err != nil {
			return nil, err
		}
		n, derr := toNumber(v, e.loc)
		if derr != nil {
			return nil, derr
		}
		return api.NewNumberLiteral(-n, e.loc), nil
	}
	return e.parsePrimary()
}

func (e *evaluator) parsePrimary() (api.Value, *api.Diagnostic) {
	tok := e.cur()
	switch tok.Kind {
	case api.TokenString:
		e.advance()
		return api.NewStringLiteral(tok.Value, tok.Loc), nil
	case api.TokenNumber:
		e.advance()
		n, cerr := cty.ParseNumberVal(tok.Value)
		if cerr != nil {
			return nil, api.NewDiagnostic(api.KindInvalidNumberConversion, tok.Loc, "invalid numeric literal "+tok.Value)
		}
		f, _ := n.AsBigFloat().Float64()
		return api.NewNumberLiteral(f, tok.Loc), nil
	case api.TokenBool:
		e.advance()
		return api.NewBoolLiteral(tok.Value == "true", tok.Loc), nil
	case api.TokenNull:
		e.advance()
		return api.NewNullLiteral(tok.Loc), nil
	case api.TokenLParen:
		e.advance()
		v, err := e.parseOr()
		if err != nil {
			return nil, err
		}
		if !e.check(api.TokenRParen) {
			return nil, api.NewDiagnostic(api.KindUnknownOperator, e.cur().Loc, "expected ')' in expression")
		}
		e.advance()
		return v, nil
	case api.TokenDollar:
		if e.dollar == nil {
			return nil, api.NewDiagnostic(api.KindUnresolvedReference, tok.Loc, "$-reference encountered before resolver installed")
		}
		v, consumed, derr := e.dollar.ResolveDollar(e.toks[e.pos:], tok.Loc)
		if derr != nil {
			return nil, derr
		}
		e.pos += consumed
		return v, nil
	case api.TokenIdent:
		return e.parseIdentChain()
	default:
		return nil, api.NewDiagnostic(api.KindUnknownOperator, tok.Loc, "unexpected token in expression")
	}
}

func (e *evaluator) parseIdentChain() (api.Value, *api.Diagnostic) {
	name := e.advance()
	v, ok := e.scope.GetVariable(name.Value)
	if !ok {
		return nil, api.NewDiagnostic(api.KindUndefinedVariable, name.Loc, "undefined variable "+name.Value)
	}
	for e.check(api.TokenDot) {
		e.advance()
		if !e.check(api.TokenIdent) {
			return nil, api.NewDiagnostic(api.KindExpectedPropertyName, e.cur().Loc, "expected property name after '.'")
		}
		field := e.advance()
		if isNullLiteral(v) {
			return nil, api.NewDiagnostic(api.KindNullPropertyAccess, field.Loc, "cannot access property "+field.Value+" of null")
		}
		nv, derr := memberAccess(v, field.Value, field.Loc)
		if derr != nil {
			return nil, derr
		}
		v = nv
	}
	return v, nil
}

func memberAccess(v api.Value, field string, loc api.Location) (api.Value, *api.Diagnostic) {
	// Member access on a Literal/Array is only meaningful when the host
	// exposes structured data; the core model's own Literal/Array carry
	// no named fields, so this always reports NullPropertyAccess unless
	// the resolver's scope substitutes a richer value first.
	return nil, api.NewDiagnostic(api.KindNullPropertyAccess, loc, "no such property "+field)
}

func isNullLiteral(v api.Value) bool {
	lit, ok := v.(*api.Literal)
	return ok && lit.Kind == api.LiteralNull
}

func boolLiteral(b bool, loc api.Location) *api.Literal { return api.NewBoolLiteral(b, loc) }

// ToBool implements the standard truthiness table: false,
// 0, "", null, and empty arrays are falsy; everything else is truthy.
func ToBool(v api.Value) bool {
	switch t := v.(type) {
	case *api.Literal:
		switch t.Kind {
		case api.LiteralBool:
			return t.Bool
		case api.LiteralNumber:
			return t.Num != 0
		case api.LiteralString:
			return t.Str != ""
		case api.LiteralNull:
			return false
		}
	case *api.Array:
		return len(t.Elements) > 0
	}
	return false
}

// toNumber coerces v to float64, raising InvalidNumberConversion when it
// cannot.
func toNumber(v api.Value, loc api.Location) (float64, *api.Diagnostic) {
	lit, ok := v.(*api.Literal)
	if !ok {
		return 0, api.NewDiagnostic(api.KindInvalidNumberConversion, loc, "value is not numeric")
	}
	switch lit.Kind {
	case api.LiteralNumber:
		return lit.Num, nil
	case api.LiteralBool:
		if lit.Bool {
			return 1, nil
		}
		return 0, nil
	case api.LiteralString:
		n, err := cty.ParseNumberVal(strings.TrimSpace(lit.Str))
		if err != nil {
			return 0, api.NewDiagnostic(api.KindInvalidNumberConversion, loc, "cannot convert "+lit.Str+" to a number")
		}
		f, _ := n.AsBigFloat().Float64()
		return f, nil
	default:
		return 0, api.NewDiagnostic(api.KindInvalidNumberConversion, loc, "null cannot be converted to a number")
	}
}

func tryStringConcat(a, b api.Value) (string, bool) {
	al, aok := a.(*api.Literal)
	bl, bok := b.(*api.Literal)
	if !aok || !bok {
		return "", false
	}
	if al.Kind != api.LiteralString && bl.Kind != api.LiteralString {
		return "", false
	}
	return literalString(al) + literalString(bl), true
}

func literalString(l *api.Literal) string {
	switch l.Kind {
	case api.LiteralString:
		return l.Str
	case api.LiteralBool:
		if l.Bool {
			return "true"
		}
		return "false"
	case api.LiteralNull:
		return "null"
	default:
		return l.Str
	}
}

// valuesEqual implements == / != as identity-like comparison on
// evaluated values, without numeric/string coercion.
func valuesEqual(a, b api.Value) bool {
	al, aok := a.(*api.Literal)
	bl, bok := b.(*api.Literal)
	if aok && bok {
		if al.Kind != bl.Kind {
			return false
		}
		switch al.Kind {
		case api.LiteralString:
			return al.Str == bl.Str
		case api.LiteralNumber:
			return al.Num == bl.Num
		case api.LiteralBool:
			return al.Bool == bl.Bool
		case api.LiteralNull:
			return true
		}
	}
	aa, aok2 := a.(*api.Array)
	ba, bok2 := b.(*api.Array)
	if aok2 && bok2 {
		if len(aa.Elements) != len(ba.Elements) {
			return false
		}
		for i := range aa.Elements {
			if !valuesEqual(aa.Elements[i], ba.Elements[i]) {
				return false
			}
		}
		return true
	}
	return false
}
