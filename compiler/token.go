package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the script lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenInteger    // 42, 0x2A
	TokenString     // "hello"
	TokenIdentifier // name, @name, .@name$, $name, .name

	// Delimiters
	TokenLParen    // (
	TokenRParen    // )
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenLBrace    // {
	TokenRBrace    // }
	TokenSemicolon // ;
	TokenComma     // ,
	TokenColon     // :
	TokenQuestion  // ?

	// Operators
	TokenAssign    // =
	TokenOpAssign  // += -= *= /= %= &= |= ^= <<= >>=
	TokenOrOr      // ||
	TokenAndAnd    // &&
	TokenOr        // |
	TokenXor       // ^
	TokenAnd       // &
	TokenEq        // ==
	TokenNe        // !=
	TokenLt        // <
	TokenLe        // <=
	TokenGt        // >
	TokenGe        // >=
	TokenShl       // <<
	TokenShr       // >>
	TokenPlus      // +
	TokenMinus     // -
	TokenStar      // *
	TokenSlash     // /
	TokenPercent   // %
	TokenBang      // !
	TokenTilde     // ~
	TokenIncrement // ++
	TokenDecrement // --

	// Keywords
	TokenIf
	TokenElse
	TokenWhile
	TokenFor
	TokenDo
	TokenSwitch
	TokenCase
	TokenDefault
	TokenBreak
	TokenContinue
	TokenGoto
	TokenFunction
	TokenReturn
	TokenEnd
	TokenWait
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenInteger:    "INTEGER",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenSemicolon:  ";",
	TokenComma:      ",",
	TokenColon:      ":",
	TokenQuestion:   "?",
	TokenAssign:     "=",
	TokenOpAssign:   "op=",
	TokenOrOr:       "||",
	TokenAndAnd:     "&&",
	TokenOr:         "|",
	TokenXor:        "^",
	TokenAnd:        "&",
	TokenEq:         "==",
	TokenNe:         "!=",
	TokenLt:         "<",
	TokenLe:         "<=",
	TokenGt:         ">",
	TokenGe:         ">=",
	TokenShl:        "<<",
	TokenShr:        ">>",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenBang:       "!",
	TokenTilde:      "~",
	TokenIncrement:  "++",
	TokenDecrement:  "--",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenWhile:      "while",
	TokenFor:        "for",
	TokenDo:         "do",
	TokenSwitch:     "switch",
	TokenCase:       "case",
	TokenDefault:    "default",
	TokenBreak:      "break",
	TokenContinue:   "continue",
	TokenGoto:       "goto",
	TokenFunction:   "function",
	TokenReturn:     "return",
	TokenEnd:        "end",
	TokenWait:       "wait",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position is a location in source text.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based
	Column int // 1-based, in runes
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // raw text; decoded value for strings
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"if":       TokenIf,
	"else":     TokenElse,
	"while":    TokenWhile,
	"for":      TokenFor,
	"do":       TokenDo,
	"switch":   TokenSwitch,
	"case":     TokenCase,
	"default":  TokenDefault,
	"break":    TokenBreak,
	"continue": TokenContinue,
	"goto":     TokenGoto,
	"function": TokenFunction,
	"return":   TokenReturn,
	"end":      TokenEnd,
	"wait":     TokenWait,
}
