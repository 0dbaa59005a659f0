package compiler

import (
	"fmt"
	"strings"
)

// Error is a compile failure. No unit is produced when one occurs.
type Error struct {
	Message string
	File    string
	Line    int
	Column  int
	Excerpt string // the offending source line
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.File != "" {
		fmt.Fprintf(&sb, "%s:", e.File)
	}
	fmt.Fprintf(&sb, "%d:%d: %s", e.Line, e.Column, e.Message)
	if e.Excerpt != "" {
		fmt.Fprintf(&sb, "\n\t%s", e.Excerpt)
	}
	return sb.String()
}

// bailout unwinds the parser to Compile on the first error.
type bailout struct{ err *Error }

func (p *Parser) errorAt(pos Position, format string, args ...any) {
	panic(bailout{&Error{
		Message: fmt.Sprintf(format, args...),
		File:    p.file,
		Line:    pos.Line,
		Column:  pos.Column,
		Excerpt: p.excerpt(pos.Line),
	}})
}

func (p *Parser) errorf(format string, args ...any) {
	p.errorAt(p.curToken.Pos, format, args...)
}

// excerpt returns the trimmed text of a source line.
func (p *Parser) excerpt(line int) string {
	idx := line - p.firstLine
	lines := strings.Split(p.source, "\n")
	if idx < 0 || idx >= len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[idx])
}
