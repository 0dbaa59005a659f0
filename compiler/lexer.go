package compiler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for script source
// ---------------------------------------------------------------------------

// Lexer tokenizes script source code.
type Lexer struct {
	input   string
	pos     int  // offset of ch
	readPos int  // offset after ch
	ch      rune // current character, 0 at EOF
	line    int  // line of ch (1-based)
	col     int  // column of ch (1-based)
}

// NewLexer creates a lexer whose first line is numbered line.
func NewLexer(input string, line int) *Lexer {
	if line < 1 {
		line = 1
	}
	l := &Lexer{input: input, line: line, col: 0}
	l.readChar()
	return l
}

// readChar advances to the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = len(l.input)
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.col}
}

func (l *Lexer) atEOF() bool {
	return l.pos >= len(l.input)
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if tok, ok := l.skipWhitespaceAndComments(); !ok {
		return tok
	}
	pos := l.position()
	if l.atEOF() {
		return Token{Type: TokenEOF, Pos: pos}
	}

	switch ch := l.ch; {
	case isDigit(ch):
		return l.readNumber(pos)
	case ch == '"':
		return l.readString(pos)
	case isIdentStart(ch) || ch == '@' || ch == '$' || (ch == '.' && l.sigilFollows()):
		return l.readIdentifier(pos)
	}

	tok := func(t TokenType, lit string) Token {
		for range utf8.RuneCountInString(lit) {
			l.readChar()
		}
		return Token{Type: t, Literal: lit, Pos: pos}
	}
	next := l.peekChar()
	rest := l.input[l.pos:]
	switch l.ch {
	case '(':
		return tok(TokenLParen, "(")
	case ')':
		return tok(TokenRParen, ")")
	case '[':
		return tok(TokenLBracket, "[")
	case ']':
		return tok(TokenRBracket, "]")
	case '{':
		return tok(TokenLBrace, "{")
	case '}':
		return tok(TokenRBrace, "}")
	case ';':
		return tok(TokenSemicolon, ";")
	case ',':
		return tok(TokenComma, ",")
	case ':':
		return tok(TokenColon, ":")
	case '?':
		return tok(TokenQuestion, "?")
	case '~':
		return tok(TokenTilde, "~")
	case '=':
		if next == '=' {
			return tok(TokenEq, "==")
		}
		return tok(TokenAssign, "=")
	case '!':
		if next == '=' {
			return tok(TokenNe, "!=")
		}
		return tok(TokenBang, "!")
	case '<':
		switch {
		case strings.HasPrefix(rest, "<<="):
			return tok(TokenOpAssign, "<<=")
		case next == '<':
			return tok(TokenShl, "<<")
		case next == '=':
			return tok(TokenLe, "<=")
		}
		return tok(TokenLt, "<")
	case '>':
		switch {
		case strings.HasPrefix(rest, ">>="):
			return tok(TokenOpAssign, ">>=")
		case next == '>':
			return tok(TokenShr, ">>")
		case next == '=':
			return tok(TokenGe, ">=")
		}
		return tok(TokenGt, ">")
	case '&':
		switch next {
		case '&':
			return tok(TokenAndAnd, "&&")
		case '=':
			return tok(TokenOpAssign, "&=")
		}
		return tok(TokenAnd, "&")
	case '|':
		switch next {
		case '|':
			return tok(TokenOrOr, "||")
		case '=':
			return tok(TokenOpAssign, "|=")
		}
		return tok(TokenOr, "|")
	case '^':
		if next == '=' {
			return tok(TokenOpAssign, "^=")
		}
		return tok(TokenXor, "^")
	case '+':
		switch next {
		case '+':
			return tok(TokenIncrement, "++")
		case '=':
			return tok(TokenOpAssign, "+=")
		}
		return tok(TokenPlus, "+")
	case '-':
		switch next {
		case '-':
			return tok(TokenDecrement, "--")
		case '=':
			return tok(TokenOpAssign, "-=")
		}
		return tok(TokenMinus, "-")
	case '*':
		if next == '=' {
			return tok(TokenOpAssign, "*=")
		}
		return tok(TokenStar, "*")
	case '/':
		if next == '=' {
			return tok(TokenOpAssign, "/=")
		}
		return tok(TokenSlash, "/")
	case '%':
		if next == '=' {
			return tok(TokenOpAssign, "%=")
		}
		return tok(TokenPercent, "%")
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: "unexpected character " + string(ch), Pos: pos}
}

// skipWhitespaceAndComments skips blanks and comments. An unterminated block
// comment is reported as an error token.
func (l *Lexer) skipWhitespaceAndComments() (Token, bool) {
	for !l.atEOF() {
		switch {
		case unicode.IsSpace(l.ch):
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for !l.atEOF() && l.ch != '\n' {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			pos := l.position()
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.atEOF() {
					return Token{Type: TokenError, Literal: "unterminated comment", Pos: pos}, false
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return Token{}, true
		}
	}
	return Token{}, true
}

func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for isHexDigit(l.ch) {
			l.readChar()
		}
	} else {
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if isIdentStart(l.ch) {
		for isIdentPart(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenError, Literal: "malformed number " + l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

func (l *Lexer) readString(pos Position) Token {
	var sb strings.Builder
	l.readChar() // opening quote
	for {
		switch {
		case l.atEOF() || l.ch == '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case l.ch == '"':
			l.readChar()
			return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
		case l.ch == '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '"', '\\':
				sb.WriteRune(l.ch)
			default:
				sb.WriteByte('\\')
				sb.WriteRune(l.ch)
			}
			l.readChar()
		default:
			sb.WriteRune(l.ch)
			l.readChar()
		}
	}
}

// sigilFollows reports whether a '.' starts a variable name (".x", ".@x").
func (l *Lexer) sigilFollows() bool {
	next := l.peekChar()
	return next == '@' || isIdentStart(next)
}

// readIdentifier reads a name with its optional scope sigil and string suffix.
func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos
	switch l.ch {
	case '.':
		l.readChar()
		if l.ch == '@' {
			l.readChar()
		}
	case '@', '$':
		l.readChar()
	}
	if !isIdentStart(l.ch) {
		return Token{Type: TokenError, Literal: "expected name after " + l.input[start:l.pos], Pos: pos}
	}
	for isIdentPart(l.ch) {
		l.readChar()
	}
	if l.ch == '$' {
		l.readChar()
	}
	lit := l.input[start:l.pos]
	if t, ok := reservedWords[lit]; ok {
		return Token{Type: t, Literal: lit, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: lit, Pos: pos}
}

// Tokenize returns all tokens up to and including EOF or the first error.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return tokens
		}
	}
}

func isDigit(r rune) bool    { return r >= '0' && r <= '9' }
func isHexDigit(r rune) bool { return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || isDigit(r)
}
