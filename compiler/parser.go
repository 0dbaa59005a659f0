package compiler

import (
	"strings"

	"github.com/chazu/npcscript/vm"
)

// ---------------------------------------------------------------------------
// Parser: single-pass statement compiler
// ---------------------------------------------------------------------------

// Parser reads tokens and emits bytecode directly; there is no separate AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token

	syms      *vm.SymbolTable
	b         *vm.BytecodeBuilder
	opts      Options
	file      string
	source    string
	firstLine int

	labels   map[uint32]*vm.Label // goto targets, labels and local functions
	exports  map[string]int
	declared map[uint32]Position // function forward declarations
	gotos    []labelUse
	sites    []symSite
	flow     []*flowCtx
	inFunc   bool
}

// labelUse is a goto whose target must exist by the end of the unit.
type labelUse struct {
	id  uint32
	pos Position
}

// symSite is a PUSH_SYM placeholder rewritten by link.
type symSite struct {
	offset int
	id     uint32
	pos    Position
	call   bool // callee position
	assign bool // assignment target
}

// flowCtx holds break/continue targets of an enclosing loop or switch.
type flowCtx struct {
	breakL    *vm.Label
	continueL *vm.Label // nil for switch
}

// NewParser creates a parser over source.
func NewParser(syms *vm.SymbolTable, source, file string, line int, opts Options) *Parser {
	if line < 1 {
		line = 1
	}
	p := &Parser{
		lexer:     NewLexer(source, line),
		syms:      syms,
		b:         vm.NewBytecodeBuilder(),
		opts:      opts,
		file:      file,
		source:    source,
		firstLine: line,
		labels:    make(map[uint32]*vm.Label),
		exports:   make(map[string]int),
		declared:  make(map[uint32]Position),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
	if p.curToken.Type == TokenError {
		p.errorf("%s", p.curToken.Literal)
	}
}

func (p *Parser) curTokenIs(t TokenType) bool  { return p.curToken.Type == t }
func (p *Parser) peekTokenIs(t TokenType) bool { return p.peekToken.Type == t }

// expect consumes the current token if it has type t, else fails.
func (p *Parser) expect(t TokenType) Token {
	tok := p.curToken
	if tok.Type != t {
		p.errorf("expected %s, got %s", t, describe(tok))
	}
	p.nextToken()
	return tok
}

func describe(t Token) string {
	switch t.Type {
	case TokenEOF:
		return "end of input"
	case TokenIdentifier, TokenInteger:
		return t.Literal
	case TokenString:
		return `"` + t.Literal + `"`
	}
	return "'" + t.Type.String() + "'"
}

// label returns the builder label for a name, creating it on first use.
func (p *Parser) label(id uint32) *vm.Label {
	l, ok := p.labels[id]
	if !ok {
		l = p.b.NewLabel()
		p.labels[id] = l
	}
	return l
}

// isCallable reports whether name is a native or a known local function.
func (p *Parser) isCallable(name string) (native *vm.Native, local bool) {
	id, ok := p.syms.Lookup(name)
	if !ok {
		return nil, false
	}
	if n := p.syms.Native(id); n != nil {
		return n, false
	}
	if _, ok := p.declared[id]; ok {
		return nil, true
	}
	if l, ok := p.labels[id]; ok && l.Resolved() {
		return nil, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Units and statements
// ---------------------------------------------------------------------------

func (p *Parser) parseUnit() {
	switch {
	case p.curTokenIs(TokenLBrace):
		p.nextToken()
		for !p.curTokenIs(TokenRBrace) {
			if p.curTokenIs(TokenEOF) {
				p.errorf("missing '}' at end of script")
			}
			p.parseStatement()
		}
		p.nextToken()
		if !p.curTokenIs(TokenEOF) {
			p.errorf("unexpected %s after script body", describe(p.curToken))
		}
	case p.opts.TolerateMissingBraces:
		for !p.curTokenIs(TokenEOF) {
			p.parseStatement()
		}
	default:
		p.errorf("expected '{' to open script body, got %s", describe(p.curToken))
	}
	p.b.SetLine(p.curToken.Pos.Line)
	p.b.Emit(vm.OpEnd)
}

func (p *Parser) parseStatement() {
	tok := p.curToken
	p.b.SetLine(tok.Pos.Line)

	switch tok.Type {
	case TokenSemicolon:
		p.nextToken()
	case TokenLBrace:
		p.parseBlock()
	case TokenIf:
		p.parseIf()
	case TokenWhile:
		p.parseWhile()
	case TokenFor:
		p.parseFor()
	case TokenDo:
		p.parseDoWhile()
	case TokenSwitch:
		p.parseSwitch()
	case TokenBreak, TokenContinue:
		p.parseBreakContinue()
	case TokenGoto:
		p.nextToken()
		name := p.expect(TokenIdentifier)
		id := p.syms.Intern(name.Literal)
		p.gotos = append(p.gotos, labelUse{id: id, pos: name.Pos})
		p.b.EmitJump(vm.OpJump, p.label(id))
		p.expect(TokenSemicolon)
	case TokenFunction:
		p.parseFunction()
	case TokenReturn:
		p.nextToken()
		if p.curTokenIs(TokenSemicolon) {
			p.b.EmitByte(vm.OpReturn, 0)
		} else {
			p.parseExpression()
			p.b.EmitByte(vm.OpReturn, 1)
		}
		p.expect(TokenSemicolon)
	case TokenEnd:
		p.nextToken()
		p.b.Emit(vm.OpEnd)
		p.expect(TokenSemicolon)
	case TokenWait:
		p.nextToken()
		p.parseExpression()
		p.b.Emit(vm.OpWait)
		p.expect(TokenSemicolon)
	case TokenCase, TokenDefault:
		p.errorf("%s outside switch", tok.Literal)
	case TokenIdentifier:
		if p.peekTokenIs(TokenColon) {
			p.parseLabel()
			return
		}
		native, local := p.isCallable(tok.Literal)
		if (native != nil || local) && !p.peekTokenIs(TokenLParen) && !isAssignOp(p.peekToken.Type) {
			p.parseBareCall(native)
			p.b.Emit(vm.OpEOL)
			p.expect(TokenSemicolon)
			return
		}
		p.parseExpressionStatement()
	default:
		p.parseExpressionStatement()
	}
}

func (p *Parser) parseExpressionStatement() {
	p.parseExpression()
	p.b.Emit(vm.OpEOL)
	p.expect(TokenSemicolon)
}

func (p *Parser) parseBlock() {
	p.expect(TokenLBrace)
	for !p.curTokenIs(TokenRBrace) {
		if p.curTokenIs(TokenEOF) {
			p.errorf("missing '}'")
		}
		p.parseStatement()
	}
	p.nextToken()
}

func (p *Parser) parseCondition() {
	p.expect(TokenLParen)
	p.parseExpression()
	p.expect(TokenRParen)
}

func (p *Parser) parseIf() {
	p.nextToken()
	p.parseCondition()
	elseL := p.b.NewLabel()
	p.b.EmitJump(vm.OpJumpFalse, elseL)
	p.parseStatement()
	if p.curTokenIs(TokenElse) {
		p.nextToken()
		endL := p.b.NewLabel()
		p.b.EmitJump(vm.OpJump, endL)
		p.b.Mark(elseL)
		p.parseStatement()
		p.b.Mark(endL)
		return
	}
	p.b.Mark(elseL)
}

func (p *Parser) parseWhile() {
	p.nextToken()
	ctx := &flowCtx{breakL: p.b.NewLabel(), continueL: p.b.NewLabel()}
	p.b.Mark(ctx.continueL)
	p.parseCondition()
	p.b.EmitJump(vm.OpJumpFalse, ctx.breakL)
	p.withFlow(ctx, p.parseStatement)
	p.b.EmitJump(vm.OpJump, ctx.continueL)
	p.b.Mark(ctx.breakL)
}

// parseFor lays the loop out as
//
//	init; JUMP top; continue: step; top: cond; JUMPFALSE break; body; JUMP continue; break:
//
// so each iteration takes a single backward jump. The condition is read
// twice: skipped to reach the step, then compiled after it.
func (p *Parser) parseFor() {
	p.nextToken()
	p.expect(TokenLParen)
	if !p.curTokenIs(TokenSemicolon) {
		p.parseExpression()
		p.b.Emit(vm.OpEOL)
	}
	p.expect(TokenSemicolon)

	cond := p.mark()
	p.skipExpression()
	p.expect(TokenSemicolon)

	top := p.b.NewLabel()
	ctx := &flowCtx{breakL: p.b.NewLabel(), continueL: p.b.NewLabel()}
	p.b.EmitJump(vm.OpJump, top)
	p.b.Mark(ctx.continueL)
	if !p.curTokenIs(TokenRParen) {
		p.parseExpression()
		p.b.Emit(vm.OpEOL)
	}
	p.expect(TokenRParen)
	body := p.mark()

	p.reset(cond)
	p.b.Mark(top)
	if !p.curTokenIs(TokenSemicolon) {
		p.parseExpression()
		p.b.EmitJump(vm.OpJumpFalse, ctx.breakL)
	}

	p.reset(body)
	p.withFlow(ctx, p.parseStatement)
	p.b.EmitJump(vm.OpJump, ctx.continueL)
	p.b.Mark(ctx.breakL)
}

// parserMark is a saved read position.
type parserMark struct {
	lexer     Lexer
	cur, peek Token
}

func (p *Parser) mark() parserMark {
	return parserMark{lexer: *p.lexer, cur: p.curToken, peek: p.peekToken}
}

func (p *Parser) reset(m parserMark) {
	*p.lexer = m.lexer
	p.curToken, p.peekToken = m.cur, m.peek
}

// skipExpression advances to the ';' that ends the current expression.
func (p *Parser) skipExpression() {
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenLParen, TokenLBracket:
			depth++
		case TokenRParen, TokenRBracket:
			if depth == 0 {
				return
			}
			depth--
		case TokenSemicolon:
			if depth == 0 {
				return
			}
		}
		p.nextToken()
	}
}

func (p *Parser) parseDoWhile() {
	p.nextToken()
	top := p.b.NewLabel()
	ctx := &flowCtx{breakL: p.b.NewLabel(), continueL: p.b.NewLabel()}
	p.b.Mark(top)
	p.withFlow(ctx, p.parseStatement)
	p.b.Mark(ctx.continueL)
	p.expect(TokenWhile)
	p.parseCondition()
	p.b.EmitJump(vm.OpJumpTrue, top)
	p.expect(TokenSemicolon)
	p.b.Mark(ctx.breakL)
}

type switchCase struct {
	kind  byte
	value int64
	body  *vm.Label
}

// parseSwitch emits the subject, the case bodies, then the dispatch table
// that the subject jumps to.
func (p *Parser) parseSwitch() {
	p.nextToken()
	p.parseCondition()
	dispatch := p.b.NewLabel()
	p.b.EmitJump(vm.OpJump, dispatch)

	ctx := &flowCtx{breakL: p.b.NewLabel()}
	var cases []switchCase
	var def *vm.Label
	seen := make(map[switchCase]bool)

	p.expect(TokenLBrace)
	p.withFlow(ctx, func() {
		for !p.curTokenIs(TokenRBrace) {
			switch p.curToken.Type {
			case TokenEOF:
				p.errorf("missing '}' at end of switch")
			case TokenCase:
				p.nextToken()
				c := p.parseCaseConstant()
				key := switchCase{kind: c.kind, value: c.value}
				if seen[key] {
					p.errorf("duplicate case")
				}
				seen[key] = true
				p.expect(TokenColon)
				c.body = p.b.NewLabel()
				p.b.Mark(c.body)
				cases = append(cases, c)
			case TokenDefault:
				if def != nil {
					p.errorf("multiple default cases")
				}
				p.nextToken()
				p.expect(TokenColon)
				def = p.b.NewLabel()
				p.b.Mark(def)
			default:
				p.parseStatement()
			}
		}
	})
	p.nextToken()
	p.b.EmitJump(vm.OpJump, ctx.breakL)

	p.b.Mark(dispatch)
	if def == nil {
		def = ctx.breakL
	}
	p.b.EmitSwitch(len(cases), def)
	for _, c := range cases {
		p.b.EmitSwitchCase(c.kind, c.value, c.body)
	}
	p.b.Mark(ctx.breakL)
}

func (p *Parser) parseCaseConstant() switchCase {
	neg := false
	if p.curTokenIs(TokenMinus) {
		neg = true
		p.nextToken()
	}
	tok := p.curToken
	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		v := p.parseInt(tok)
		if neg {
			v = -v
		}
		return switchCase{kind: vm.CaseInt, value: v}
	case TokenString:
		if neg {
			p.errorf("cannot negate a string case")
		}
		p.nextToken()
		return switchCase{kind: vm.CaseString, value: int64(p.syms.InternString(tok.Literal))}
	case TokenIdentifier:
		if id, ok := p.syms.Lookup(tok.Literal); ok {
			if sym, _ := p.syms.Get(id); sym.Kind == vm.SymConstant {
				p.nextToken()
				switch {
				case sym.Value.IsInt() && neg:
					return switchCase{kind: vm.CaseInt, value: -sym.Value.Int}
				case sym.Value.IsInt():
					return switchCase{kind: vm.CaseInt, value: sym.Value.Int}
				case sym.Value.IsString() && !neg:
					return switchCase{kind: vm.CaseString, value: int64(p.syms.InternString(sym.Value.Str))}
				}
			}
		}
	}
	p.errorAt(tok.Pos, "case label must be an integer or string constant, got %s", describe(tok))
	return switchCase{}
}

func (p *Parser) withFlow(ctx *flowCtx, body func()) {
	p.flow = append(p.flow, ctx)
	body()
	p.flow = p.flow[:len(p.flow)-1]
}

func (p *Parser) parseBreakContinue() {
	tok := p.curToken
	p.nextToken()
	for i := len(p.flow) - 1; i >= 0; i-- {
		ctx := p.flow[i]
		if tok.Type == TokenBreak {
			p.b.EmitJump(vm.OpJump, ctx.breakL)
			p.expect(TokenSemicolon)
			return
		}
		if ctx.continueL != nil {
			p.b.EmitJump(vm.OpJump, ctx.continueL)
			p.expect(TokenSemicolon)
			return
		}
	}
	p.errorAt(tok.Pos, "%s outside loop", tok.Literal)
}

// parseLabel defines "Name:".
func (p *Parser) parseLabel() {
	tok := p.curToken
	if scope, _ := vm.ParseSigil(tok.Literal); scope != vm.ScopeActor || strings.HasSuffix(tok.Literal, "$") {
		p.errorf("invalid label name %s", tok.Literal)
	}
	id := p.syms.Intern(tok.Literal)
	l := p.label(id)
	if l.Resolved() {
		p.errorf("duplicate label %s", tok.Literal)
	}
	p.b.Mark(l)
	if p.opts.RecordLabels && strings.HasPrefix(tok.Literal, vm.ExportPrefix) {
		p.exports[tok.Literal] = l.Position()
	}
	p.nextToken()
	p.nextToken()
}

// parseFunction handles "function Name;" and "function Name { ... }".
func (p *Parser) parseFunction() {
	p.nextToken()
	name := p.expect(TokenIdentifier)
	id := p.syms.Intern(name.Literal)
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
		if _, ok := p.declared[id]; !ok {
			p.declared[id] = name.Pos
		}
		return
	}
	if p.inFunc {
		p.errorAt(name.Pos, "function %s defined inside another function", name.Literal)
	}
	l := p.label(id)
	if l.Resolved() {
		p.errorAt(name.Pos, "duplicate function %s", name.Literal)
	}
	skip := p.b.NewLabel()
	p.b.EmitJump(vm.OpJump, skip)
	p.b.Mark(l)
	saved := p.flow
	p.flow = nil
	p.inFunc = true
	p.parseBlock()
	p.inFunc = false
	p.flow = saved
	p.b.EmitByte(vm.OpReturn, 0)
	p.b.Mark(skip)
}
