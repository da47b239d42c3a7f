// Package lexer turns OX source text into a token stream (component A).
// It is deliberately unexciting: the interesting work in this module is
// the preprocessing pipeline, not tokenizing.
package lexer

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/apparentlymart/go-textseg/v15/textseg"

	"github.com/the-ox-studio/oxdef/api"
)

var keywords = map[string]api.TokenKind{
	"true": api.TokenBool,
	"false": api.TokenBool,
	"null": api.TokenNull,
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9') || r == '-'
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// Lexer scans a single file's source. It is restartable: Next() may be
// called repeatedly until it returns a TokenEOF token.
type Lexer struct {
	file string
	src []byte
	pos int
	line int
	col int
}

func New(file string, src []byte) *Lexer {
	return &Lexer{file: file, src: src, pos: 0, line: 1, col: 1}
}

func (l *Lexer) loc() api.Location {
	return api.Location{File: l.file, Line: l.line, Column: l.col, Byte: l.pos}
}

func (l *Lexer) eof() bool { return l.pos >= len(l.src) }

func (l *Lexer) peekRune() (rune, int) {
	if l.eof() {
		return 0, 0
	}
	r, n := utf8.DecodeRune(l.src[l.pos:])
	return r, n
}

func (l *Lexer) peekRuneAt(off int) (rune, int) {
	if l.pos+off >= len(l.src) {
		return 0, 0
	}
	r, n := utf8.DecodeRune(l.src[l.pos+off:])
	return r, n
}

// advanceASCII steps over a single-byte, structural character and bumps
// column by exactly one (valid for the ASCII punctuation/identifier
// grammar OX uses outside string/free-text content).
func (l *Lexer) advanceASCII(n int) {
	for i := 0; i < n; i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

// advanceText steps over an arbitrary UTF-8 span (string/free-text
// content), counting columns in grapheme clusters via go-textseg, so a
// multi-byte character counts as one column. The string and free-text
// scanners call it one rune at a time, so a combining mark that follows
// its base character is counted as a column of its own.
func (l *Lexer) advanceText(n int) {
	span := l.src[l.pos : l.pos+n]
	for len(span) > 0 {
		nlIdx := bytes.IndexByte(span, '\n')
		var line []byte
		if nlIdx < 0 {
			line = span
		} else {
			line = span[:nlIdx]
		}
		l.col += countGraphemeClusters(line)
		if nlIdx < 0 {
			span = nil
		} else {
			l.line++
			l.col = 1
			span = span[nlIdx+1:]
		}
	}
	l.pos += n
}

func countGraphemeClusters(b []byte) int {
	n := 0
	for len(b) > 0 {
		adv, _, err := textseg.ScanGraphemeClusters(b, true)
		if err != nil || adv <= 0 {
			adv = 1
		}
		b = b[adv:]
		n++
	}
	return n
}

func (l *Lexer) skipTrivia() *api.SyntaxError {
	for !l.eof() {
		r, n := l.peekRune()
		switch {
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			l.advanceASCII(n)
		case r == '/' && l.peekByteAt(1) == '/':
			for !l.eof() {
				r2, n2 := l.peekRune()
				if r2 == '\n' {
					break
				}
				l.advanceASCII(n2)
			}
		case r == '/' && l.peekByteAt(1) == '*':
			start := l.loc()
			l.advanceASCII(2)
			closed := false
			for !l.eof() {
				if l.peekByteAt(0) == '*' && l.peekByteAt(1) == '/' {
					l.advanceASCII(2)
					closed = true
					break
				}
				_, n2 := l.peekRune()
				l.advanceASCII(n2)
			}
			if !closed {
				return api.NewSyntaxError(api.KindUnterminatedString, start, "unterminated block comment")
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *Lexer) peekByteAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

// Next returns the next token, or a TokenEOF token once input is
// exhausted. A non-nil error is always fatal (Stage 1 fails fast).
func (l *Lexer) Next() (api.Token, *api.SyntaxError) {
	if err := l.skipTrivia(); err != nil {
		return api.Token{}, err
	}
	start := l.loc()
	if l.eof() {
		return api.Token{Kind: api.TokenEOF, Loc: start}, nil
	}

	r, n := l.peekRune()

	// Free-text block: a run of >=3 backticks.
	if r == '`' {
		return l.lexFreeText(start)
	}

	if r == '"' || r == '\'' {
		return l.lexString(start, r)
	}

	if isDigit(r) || (r == '-' && isDigit(runeOf(l.peekRuneAt(n)))) {
		return l.lexNumber(start)
	}

	if isIdentStart(r) {
		return l.lexIdent(start)
	}

	switch r {
	case '[':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenLBracket, Value: "[", Loc: start}, nil
	case ']':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenRBracket, Value: "]", Loc: start}, nil
	case '(':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenLParen, Value: "(", Loc: start}, nil
	case ')':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenRParen, Value: ")", Loc: start}, nil
	case '{':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenLBrace, Value: "{", Loc: start}, nil
	case '}':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenRBrace, Value: "}", Loc: start}, nil
	case ':':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenColon, Value: ":", Loc: start}, nil
	case ',':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenComma, Value: ",", Loc: start}, nil
	case '.':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenDot, Value: ".", Loc: start}, nil
	case '$':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenDollar, Value: "$", Loc: start}, nil
	case '@':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenAt, Value: "@", Loc: start}, nil
	case '#':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenHash, Value: "#", Loc: start}, nil
	case '/':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenSlash, Value: "/", Loc: start}, nil
	case '+':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenPlus, Value: "+", Loc: start}, nil
	case '-':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenMinus, Value: "-", Loc: start}, nil
	case '*':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenStar, Value: "*", Loc: start}, nil
	case '%':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenPercent, Value: "%", Loc: start}, nil
	case '^':
		l.advanceASCII(n)
		return api.Token{Kind: api.TokenCaret, Value: "^", Loc: start}, nil
	case '=':
		l.advanceASCII(n)
		if l.peekByteAt(0) == '=' {
			l.advanceASCII(1)
			return api.Token{Kind: api.TokenEqEq, Value: "==", Loc: start}, nil
		}
		return api.Token{Kind: api.TokenEquals, Value: "=", Loc: start}, nil
	case '!':
		l.advanceASCII(n)
		if l.peekByteAt(0) == '=' {
			l.advanceASCII(1)
			return api.Token{Kind: api.TokenNotEq, Value: "!=", Loc: start}, nil
		}
		return api.Token{Kind: api.TokenBang, Value: "!", Loc: start}, nil
	case '<':
		l.advanceASCII(n)
		if l.peekByteAt(0) == '=' {
			l.advanceASCII(1)
			return api.Token{Kind: api.TokenLessEq, Value: "<=", Loc: start}, nil
		}
		return api.Token{Kind: api.TokenLess, Value: "<", Loc: start}, nil
	case '>':
		l.advanceASCII(n)
		if l.peekByteAt(0) == '=' {
			l.advanceASCII(1)
			return api.Token{Kind: api.TokenGreaterEq, Value: ">=", Loc: start}, nil
		}
		return api.Token{Kind: api.TokenGreater, Value: ">", Loc: start}, nil
	case '&':
		if l.peekByteAt(1) == '&' {
			l.advanceASCII(2)
			return api.Token{Kind: api.TokenAndAnd, Value: "&&", Loc: start}, nil
		}
	case '|':
		if l.peekByteAt(1) == '|' {
			l.advanceASCII(2)
			return api.Token{Kind: api.TokenOrOr, Value: "||", Loc: start}, nil
		}
	}

	return api.Token{}, api.NewSyntaxError(api.KindUnexpectedCharacter, start, "unexpected character "+string(r))
}

func runeOf(r rune, n int) rune { return r }

func (l *Lexer) lexIdent(start api.Location) (api.Token, *api.SyntaxError) {
	begin := l.pos
	for !l.eof() {
		r, n := l.peekRune()
		if !isIdentPart(r) {
			break
		}
		l.advanceASCII(n)
	}
	text := string(l.src[begin:l.pos])
	if kind, ok := keywords[text]; ok {
		return api.Token{Kind: kind, Value: text, Loc: start}, nil
	}
	return api.Token{Kind: api.TokenIdent, Value: text, Loc: start}, nil
}

func (l *Lexer) lexNumber(start api.Location) (api.Token, *api.SyntaxError) {
	begin := l.pos
	if l.peekByteAt(0) == '-' {
		l.advanceASCII(1)
	}
	for !l.eof() {
		r, n := l.peekRune()
		if !isDigit(r) {
			break
		}
		l.advanceASCII(n)
	}
	if l.peekByteAt(0) == '.' {
		r2, _ := l.peekRuneAt(1)
		if isDigit(r2) {
			l.advanceASCII(1)
			for !l.eof() {
				r, n := l.peekRune()
				if !isDigit(r) {
					break
				}
				l.advanceASCII(n)
			}
		}
	}
	return api.Token{Kind: api.TokenNumber, Value: string(l.src[begin:l.pos]), Loc: start}, nil
}

var escapeMap = map[byte]byte{
	'n': '\n', 't': '\t', 'r': '\r', '\\': '\\', '"': '"', '\'': '\'',
}

func (l *Lexer) lexString(start api.Location, quote rune) (api.Token, *api.SyntaxError) {
	qn := utf8.RuneLen(quote)
	l.advanceASCII(qn)
	var b strings.Builder
	for {
		if l.eof() {
			return api.Token{}, api.NewSyntaxError(api.KindUnterminatedString, start, "unterminated string")
		}
		r, n := l.peekRune()
		if r == quote {
			l.advanceASCII(n)
			break
		}
		if r == '\\' {
			contentStart := l.pos
			l.advanceText(n)
			if l.eof() {
				return api.Token{}, api.NewSyntaxError(api.KindUnterminatedString, start, "unterminated string escape")
			}
			er, en := l.peekRune()
			if mapped, ok := escapeMap[byte(er)]; ok && en == 1 {
				b.WriteByte(mapped)
				l.advanceText(en)
			} else {
				b.Write(l.src[contentStart:l.pos])
				l.advanceText(en)
				b.WriteRune(er)
			}
			continue
		}
		if r == '\n' {
			return api.Token{}, api.NewSyntaxError(api.KindUnterminatedString, start, "unterminated string (newline before closing quote)")
		}
		contentStart := l.pos
		l.advanceText(n)
		b.Write(l.src[contentStart:l.pos])
	}
	return api.Token{Kind: api.TokenString, Value: b.String(), Loc: start}, nil
}

// lexFreeText consumes a run of >=3 backticks as the opening fence, then
// literal content up to a recurrence of that exact run length.
func (l *Lexer) lexFreeText(start api.Location) (api.Token, *api.SyntaxError) {
	fenceStart := l.pos
	for l.peekByteAt(0) == '`' {
		l.advanceASCII(1)
	}
	fenceLen := l.pos - fenceStart
	if fenceLen < 3 {
		return api.Token{}, api.NewSyntaxError(api.KindUnexpectedCharacter, start, "free-text fence must be at least 3 backticks")
	}
	contentStart := l.pos
	for {
		if l.eof() {
			return api.Token{}, api.NewSyntaxError(api.KindUnterminatedFreeText, start, "unterminated free-text block")
		}
		if l.peekByteAt(0) == '`' {
			runStart := l.pos
			run := 0
			for l.peekByteAt(run) == '`' {
				run++
			}
			if run == fenceLen {
				content := string(l.src[contentStart:runStart])
				l.advanceText(run)
				return api.Token{Kind: api.TokenFreeText, Value: content, Loc: start}, nil
			}
			// Shorter (or longer, but not exactly matching) run: literal content.
			l.advanceText(run)
			continue
		}
		_, n := l.peekRune()
		l.advanceText(n)
	}
}
