package lexer

import (
	"testing"

	"github.com/the-ox-studio/oxdef/api"
)

func scanAll(t *testing.T, src string) []api.Token {
	t.Helper()
	lx := New("test.ox", []byte(src))
	var toks []api.Token
	for {
		tok, err := lx.Next()
		if err != nil {
			t.Fatalf("unexpected lex error at %v: %s", tok.Loc, err.Msg)
		}
		toks = append(toks, tok)
		if tok.Kind == api.TokenEOF {
			break
		}
	}
	return toks
}

func kinds(toks []api.Token) []api.TokenKind {
	out := make([]api.TokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestLexStructuralTokens(t *testing.T) {
	toks := scanAll(t, `[id(name: "x", n: 1) ]`)
	got := kinds(toks)
	want := []api.TokenKind{
		api.TokenLBracket, api.TokenIdent, api.TokenLParen,
		api.TokenIdent, api.TokenColon, api.TokenString, api.TokenComma,
		api.TokenIdent, api.TokenColon, api.TokenNumber, api.TokenRParen,
		api.TokenRBracket, api.TokenEOF,
	}
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLexStringEscapes(t *testing.T) {
	toks := scanAll(t, `"a\nb\tc\\d\"e"`)
	if toks[0].Kind != api.TokenString {
		t.Fatalf("expected string token, got %v", toks[0].Kind)
	}
	want := "a\nb\tc\\d\"e"
	if toks[0].Value != want {
		t.Errorf("string value = %q, want %q", toks[0].Value, want)
	}
}

func TestLexUnterminatedStringIsFatal(t *testing.T) {
	lx := New("test.ox", []byte(`"unterminated`))
	_, err := lx.Next()
	if err == nil {
		t.Fatal("expected an unterminated-string syntax error")
	}
	if err.Kind != api.KindUnterminatedString {
		t.Errorf("error kind = %v, want KindUnterminatedString", err.Kind)
	}
}

func TestLexNewlineInStringIsFatal(t *testing.T) {
	lx := New("test.ox", []byte("\"line1\nline2\""))
	_, err := lx.Next()
	if err == nil {
		t.Fatal("expected an unterminated-string error for embedded newline")
	}
}

func TestLexFreeTextRequiresMinimumFence(t *testing.T) {
	lx := New("test.ox", []byte("``short``"))
	_, err := lx.Next()
	if err == nil {
		t.Fatal("expected an error for a 2-backtick fence")
	}
}

func TestLexFreeTextContent(t *testing.T) {
	toks := scanAll(t, "```hello\nworld```")
	if toks[0].Kind != api.TokenFreeText {
		t.Fatalf("expected free-text token, got %v", toks[0].Kind)
	}
	if toks[0].Value != "hello\nworld" {
		t.Errorf("free-text content = %q, want %q", toks[0].Value, "hello\nworld")
	}
}

func TestLexFreeTextToleratesShorterInnerFence(t *testing.T) {
	toks := scanAll(t, "```` `` fence inside ````")
	if toks[0].Kind != api.TokenFreeText {
		t.Fatalf("expected free-text token, got %v", toks[0].Kind)
	}
	if toks[0].Value != " `` fence inside " {
		t.Errorf("free-text content = %q", toks[0].Value)
	}
}

func TestLexComments(t *testing.T) {
	toks := scanAll(t, "// line comment\n[/* block */id]")
	got := kinds(toks)
	want := []api.TokenKind{api.TokenLBracket, api.TokenIdent, api.TokenRBracket, api.TokenEOF}
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d (%v)", len(got), len(want), got)
	}
}

func TestLexUnterminatedBlockComment(t *testing.T) {
	lx := New("test.ox", []byte("/* never closes"))
	_, err := lx.Next()
	if err == nil {
		t.Fatal("expected an unterminated block comment error")
	}
}

func TestLexOperators(t *testing.T) {
	toks := scanAll(t, "== != <= >= && || < >")
	got := kinds(toks)
	want := []api.TokenKind{
		api.TokenEqEq, api.TokenNotEq, api.TokenLessEq, api.TokenGreaterEq,
		api.TokenAndAnd, api.TokenOrOr, api.TokenLess, api.TokenGreater, api.TokenEOF,
	}
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLexNegativeAndDecimalNumbers(t *testing.T) {
	toks := scanAll(t, "-3.14 42")
	if toks[0].Kind != api.TokenNumber || toks[0].Value != "-3.14" {
		t.Errorf("token 0 = %+v, want number -3.14", toks[0])
	}
	if toks[1].Kind != api.TokenNumber || toks[1].Value != "42" {
		t.Errorf("token 1 = %+v, want number 42", toks[1])
	}
}

func TestLexKeywords(t *testing.T) {
	toks := scanAll(t, "true false null")
	want := []api.TokenKind{api.TokenBool, api.TokenBool, api.TokenNull, api.TokenEOF}
	got := kinds(toks)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLexColumnTracksGraphemeClusters(t *testing.T) {
	// "café" (precomposed é) is 4 grapheme clusters but 5 bytes; the token
	// after it should start at column 8, not 9.
	toks := scanAll(t, `"café" x`)
	identTok := toks[1]
	if identTok.Loc.Column != 8 {
		t.Errorf("ident column = %d, want 8 (quote, 4 clusters, quote, space, 1-indexed)", identTok.Loc.Column)
	}
}

func TestLexUnexpectedCharacter(t *testing.T) {
	lx := New("test.ox", []byte("~"))
	_, err := lx.Next()
	if err == nil || err.Kind != api.KindUnexpectedCharacter {
		t.Fatalf("expected KindUnexpectedCharacter, got %v", err)
	}
}
