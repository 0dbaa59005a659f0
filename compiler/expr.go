package compiler

import (
	"strconv"

	"github.com/chazu/npcscript/vm"
)

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// exprKind tells an assignment whether its left side left a reference on
// the stack.
type exprKind int

const (
	kindValue exprKind = iota
	kindRef
	kindSite // unlinked bare name; index in p.sites is kept separately
)

type exprResult struct {
	kind exprKind
	site int
}

var compoundOps = map[string]vm.Opcode{
	"+=": vm.OpAdd, "-=": vm.OpSub, "*=": vm.OpMul, "/=": vm.OpDiv, "%=": vm.OpMod,
	"&=": vm.OpBitAnd, "|=": vm.OpBitOr, "^=": vm.OpBitXor, "<<=": vm.OpShl, ">>=": vm.OpShr,
}

func isAssignOp(t TokenType) bool {
	return t == TokenAssign || t == TokenOpAssign
}

// binaryLevels lists left-associative operators from lowest to highest
// precedence, below && and above the unary operators.
var binaryLevels = []map[TokenType]vm.Opcode{
	{TokenOr: vm.OpBitOr},
	{TokenXor: vm.OpBitXor},
	{TokenAnd: vm.OpBitAnd},
	{TokenEq: vm.OpEq, TokenNe: vm.OpNe},
	{TokenLt: vm.OpLt, TokenLe: vm.OpLe, TokenGt: vm.OpGt, TokenGe: vm.OpGe},
	{TokenShl: vm.OpShl, TokenShr: vm.OpShr},
	{TokenPlus: vm.OpAdd, TokenMinus: vm.OpSub},
	{TokenStar: vm.OpMul, TokenSlash: vm.OpDiv, TokenPercent: vm.OpMod},
}

func (p *Parser) parseExpression() exprResult {
	return p.parseAssignment()
}

// parseAssignment handles "=" and the compound assignments, right to left.
func (p *Parser) parseAssignment() exprResult {
	tok := p.curToken
	left := p.parseTernary()
	if !isAssignOp(p.curToken.Type) {
		return left
	}
	opTok := p.curToken
	p.requireTarget(left, tok.Pos, opTok.Literal)
	p.nextToken()
	if opTok.Type == TokenAssign {
		p.parseAssignment()
		p.b.Emit(vm.OpAssign)
		return exprResult{kind: kindValue}
	}
	p.b.Emit(vm.OpDUP)
	p.parseAssignment()
	p.b.Emit(compoundOps[opTok.Literal])
	p.b.Emit(vm.OpAssign)
	return exprResult{kind: kindValue}
}

// requireTarget fails unless r left an assignable reference.
func (p *Parser) requireTarget(r exprResult, pos Position, op string) {
	switch r.kind {
	case kindRef:
	case kindSite:
		p.sites[r.site].assign = true
	default:
		p.errorAt(pos, "left side of %s is not a variable", op)
	}
}

func (p *Parser) parseTernary() exprResult {
	cond := p.parseOrOr()
	if !p.curTokenIs(TokenQuestion) {
		return cond
	}
	p.nextToken()
	elseL, endL := p.b.NewLabel(), p.b.NewLabel()
	p.b.EmitJump(vm.OpJumpFalse, elseL)
	p.parseExpression()
	p.expect(TokenColon)
	p.b.EmitJump(vm.OpJump, endL)
	p.b.Mark(elseL)
	p.parseTernary()
	p.b.Mark(endL)
	return exprResult{kind: kindValue}
}

// parseOrOr compiles a || b: b is skipped once a is true. The result is 0 or 1.
func (p *Parser) parseOrOr() exprResult {
	left := p.parseAndAnd()
	for p.curTokenIs(TokenOrOr) {
		p.nextToken()
		trueL, endL := p.b.NewLabel(), p.b.NewLabel()
		p.b.EmitJump(vm.OpJumpTrue, trueL)
		p.parseAndAnd()
		p.b.EmitJump(vm.OpJumpTrue, trueL)
		p.b.EmitInt(0)
		p.b.EmitJump(vm.OpJump, endL)
		p.b.Mark(trueL)
		p.b.EmitInt(1)
		p.b.Mark(endL)
		left = exprResult{kind: kindValue}
	}
	return left
}

// parseAndAnd compiles a && b: b is skipped once a is false.
func (p *Parser) parseAndAnd() exprResult {
	left := p.parseBinary(0)
	for p.curTokenIs(TokenAndAnd) {
		p.nextToken()
		falseL, endL := p.b.NewLabel(), p.b.NewLabel()
		p.b.EmitJump(vm.OpJumpFalse, falseL)
		p.parseBinary(0)
		p.b.EmitJump(vm.OpJumpFalse, falseL)
		p.b.EmitInt(1)
		p.b.EmitJump(vm.OpJump, endL)
		p.b.Mark(falseL)
		p.b.EmitInt(0)
		p.b.Mark(endL)
		left = exprResult{kind: kindValue}
	}
	return left
}

func (p *Parser) parseBinary(level int) exprResult {
	if level >= len(binaryLevels) {
		return p.parseUnary()
	}
	left := p.parseBinary(level + 1)
	for {
		op, ok := binaryLevels[level][p.curToken.Type]
		if !ok {
			return left
		}
		p.nextToken()
		p.parseBinary(level + 1)
		p.b.Emit(op)
		left = exprResult{kind: kindValue}
	}
}

func (p *Parser) parseUnary() exprResult {
	tok := p.curToken
	switch tok.Type {
	case TokenMinus:
		p.nextToken()
		if p.curTokenIs(TokenInteger) {
			lit := p.curToken
			p.nextToken()
			p.b.EmitInt(-p.parseInt(lit))
			return p.parsePostfix(exprResult{kind: kindValue})
		}
		p.parseUnary()
		p.b.Emit(vm.OpNeg)
	case TokenBang:
		p.nextToken()
		p.parseUnary()
		p.b.Emit(vm.OpNot)
	case TokenTilde:
		p.nextToken()
		p.parseUnary()
		p.b.Emit(vm.OpBitNot)
	case TokenPlus:
		p.nextToken()
		return p.parseUnary()
	case TokenIncrement, TokenDecrement:
		p.nextToken()
		r := p.parseUnary()
		p.requireTarget(r, tok.Pos, tok.Literal)
		flags := byte(0)
		if tok.Type == TokenDecrement {
			flags |= vm.IncDecDecrement
		}
		p.b.EmitByte(vm.OpIncDec, flags)
	default:
		return p.parsePostfix(p.parsePrimary())
	}
	return exprResult{kind: kindValue}
}

func (p *Parser) parsePostfix(r exprResult) exprResult {
	for {
		switch p.curToken.Type {
		case TokenLBracket:
			if r.kind == kindValue {
				p.errorf("cannot index a value")
			}
			p.nextToken()
			p.parseExpression()
			p.expect(TokenRBracket)
			p.b.Emit(vm.OpIndex)
		case TokenIncrement, TokenDecrement:
			tok := p.curToken
			p.requireTarget(r, tok.Pos, tok.Literal)
			p.nextToken()
			flags := vm.IncDecPostfix
			if tok.Type == TokenDecrement {
				flags |= vm.IncDecDecrement
			}
			p.b.EmitByte(vm.OpIncDec, flags)
			return exprResult{kind: kindValue}
		default:
			return r
		}
	}
}

func (p *Parser) parsePrimary() exprResult {
	tok := p.curToken
	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		p.b.EmitInt(p.parseInt(tok))
		return exprResult{kind: kindValue}
	case TokenString:
		p.nextToken()
		p.b.EmitUint32(vm.OpPushStr, p.syms.InternString(tok.Literal))
		return exprResult{kind: kindValue}
	case TokenLParen:
		p.nextToken()
		r := p.parseExpression()
		p.expect(TokenRParen)
		return r
	case TokenIdentifier:
		return p.parseName()
	}
	p.errorf("unexpected %s in expression", describe(tok))
	return exprResult{}
}

// parseName compiles an identifier: a call, a constant, a variable or a
// bare name left for the linker.
func (p *Parser) parseName() exprResult {
	tok := p.curToken
	id := p.syms.Intern(tok.Literal)
	sym, _ := p.syms.Get(id)

	if p.peekTokenIs(TokenLParen) {
		p.nextToken()
		if n := p.syms.Native(id); n != nil {
			p.b.EmitUint32(vm.OpPushName, id)
			p.emitArgs(n, tok, true)
			return exprResult{kind: kindValue}
		}
		if sym.Scope != vm.ScopeActor || sym.IsString {
			p.errorAt(tok.Pos, "%s is a variable, not a function", tok.Literal)
		}
		p.emitSite(id, tok.Pos, true)
		p.emitArgs(nil, tok, true)
		return exprResult{kind: kindValue}
	}

	p.nextToken()
	switch {
	case sym.Kind == vm.SymNative:
		p.errorAt(tok.Pos, "native %s must be called with (...)", tok.Literal)
	case sym.Kind == vm.SymConstant:
		if sym.Value.IsString() {
			p.b.EmitUint32(vm.OpPushStr, p.syms.InternString(sym.Value.Str))
		} else {
			v, _ := sym.Value.AsInt()
			p.b.EmitInt(v)
		}
		return exprResult{kind: kindValue}
	case sym.Scope != vm.ScopeActor || sym.IsString:
		p.b.EmitUint32(vm.OpPushRef, id)
		return exprResult{kind: kindRef}
	}
	site := p.emitSite(id, tok.Pos, false)
	return exprResult{kind: kindSite, site: site}
}

func (p *Parser) emitSite(id uint32, pos Position, call bool) int {
	p.sites = append(p.sites, symSite{offset: p.b.Len(), id: id, pos: pos, call: call})
	p.b.EmitUint32(vm.OpPushSym, id)
	return len(p.sites) - 1
}

// emitArgs compiles an argument list and the CALL. With paren the current
// token is '('; otherwise arguments run to the ';'. A native's arity is
// checked here.
func (p *Parser) emitArgs(n *vm.Native, name Token, paren bool) {
	p.b.Emit(vm.OpArgStart)
	argc := 0
	end := TokenSemicolon
	if paren {
		p.expect(TokenLParen)
		end = TokenRParen
	}
	if !p.curTokenIs(end) {
		for {
			p.parseExpression()
			argc++
			if !p.curTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
	}
	if paren {
		p.expect(TokenRParen)
	} else if !p.curTokenIs(TokenSemicolon) {
		p.errorf("expected ',' or ';' in arguments of %s, got %s", name.Literal, describe(p.curToken))
	}
	if n != nil {
		if err := n.CheckArgc(argc); err != nil {
			p.errorAt(name.Pos, "%s", err)
		}
	}
	p.b.Emit(vm.OpCall)
}

// parseBareCall compiles "name arg, arg" at statement level.
func (p *Parser) parseBareCall(n *vm.Native) {
	tok := p.curToken
	id := p.syms.Intern(tok.Literal)
	p.nextToken()
	if n != nil {
		p.b.EmitUint32(vm.OpPushName, id)
	} else {
		p.emitSite(id, tok.Pos, true)
	}
	p.emitArgs(n, tok, false)
}

func (p *Parser) parseInt(tok Token) int64 {
	lit, base := tok.Literal, 10
	if len(lit) > 2 && (lit[1] == 'x' || lit[1] == 'X') {
		lit, base = lit[2:], 16
	}
	v, err := strconv.ParseInt(lit, base, 64)
	if err != nil {
		p.errorAt(tok.Pos, "integer %s out of range", tok.Literal)
	}
	return v
}
