// Package server exposes script tooling over the Language Server Protocol.
package server

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/npcscript/compiler"
	"github.com/chazu/npcscript/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "npcscript-lsp"

var log = commonlog.GetLogger("npcscript.server")

var keywords = []string{
	"if", "else", "while", "for", "do", "switch", "case", "default",
	"break", "continue", "goto", "function", "return", "end", "wait",
}

// LspServer bridges editor features to the compiler. Documents are compiled
// against the engine's symbol table and natives but never registered.
type LspServer struct {
	engine *vm.Engine

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	compileMu sync.Mutex

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server for scripts compiled against e.
func NewLSP(e *vm.Engine) *LspServer {
	s := &LspServer{
		engine:  e,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)
	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("npcscript LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{".", "@", "$"},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := s.definition(uri, text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

// --- Compiler-backed logic ---

// compile checks text without registering the result. Free-standing
// function files without braces are accepted.
func (s *LspServer) compile(uri protocol.DocumentUri, text string) (*vm.Unit, error) {
	s.compileMu.Lock()
	defer s.compileMu.Unlock()
	path := uriPath(uri)
	opts := compiler.Options{RecordLabels: true, TolerateMissingBraces: true}
	return compiler.Compile(s.engine, text, path, 1, opts)
}

func (s *LspServer) complete(prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)
	add := func(label, detail string, kind protocol.CompletionItemKind) {
		if !strings.HasPrefix(strings.ToLower(label), lowerPrefix) {
			return
		}
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &label,
		})
	}

	for _, name := range s.engine.Symbols.Natives() {
		add(name, s.signature(name), protocol.CompletionItemKindFunction)
	}
	for _, kw := range keywords {
		add(kw, "keyword", protocol.CompletionItemKindKeyword)
	}

	items = sortedItems(items)
	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// signature renders a native's parameters, e.g. "native input(r?ii), 1-3 args".
func (s *LspServer) signature(name string) string {
	id, ok := s.engine.Symbols.Lookup(name)
	if !ok {
		return ""
	}
	n := s.engine.Symbols.Native(id)
	if n == nil {
		return ""
	}
	lo, hi := n.Arity()
	arity := fmt.Sprintf("%d", lo)
	switch {
	case hi < 0:
		arity += "+"
	case hi != lo:
		arity = fmt.Sprintf("%d-%d", lo, hi)
	}
	return fmt.Sprintf("native %s(%s), %s args", name, n.Signature, arity)
}

func (s *LspServer) hover(word string) *protocol.Hover {
	id, ok := s.engine.Symbols.Lookup(word)
	if !ok {
		return nil
	}
	sym, _ := s.engine.Symbols.Get(id)

	var b strings.Builder
	switch sym.Kind {
	case vm.SymNative:
		fmt.Fprintf(&b, "**%s**\n\n%s", word, s.signature(word))
	case vm.SymConstant:
		fmt.Fprintf(&b, "**%s** constant = `%s`", word, sym.Value)
	case vm.SymLabel:
		fmt.Fprintf(&b, "**%s** label", word)
	default:
		if !strings.ContainsAny(word[:1], ".@$") && !strings.HasSuffix(word, "$") {
			return nil
		}
		typ := "integer"
		if sym.IsString {
			typ = "string"
		}
		fmt.Fprintf(&b, "**%s** %s %s variable", word, sym.Scope, typ)
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// definition finds the line of a label or local function in the document.
func (s *LspServer) definition(uri protocol.DocumentUri, text, word string) *protocol.Location {
	unit, err := s.compile(uri, text)
	if err != nil {
		return nil
	}
	id, ok := s.engine.Symbols.Lookup(word)
	if !ok {
		return nil
	}
	pos, ok := unit.Labels[id]
	if !ok {
		return nil
	}
	line := unit.LineAt(pos)
	if line < 1 {
		return nil
	}
	p := protocol.Position{Line: protocol.UInteger(line - 1), Character: 0}
	return &protocol.Location{URI: uri, Range: protocol.Range{Start: p, End: p}}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := []protocol.Diagnostic{}
	if _, err := s.compile(uri, text); err != nil {
		diagnostics = append(diagnostics, diagnosticFor(err))
	}
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// diagnosticFor converts a compile error to a diagnostic spanning from the
// error column to the end of its line.
func diagnosticFor(err error) protocol.Diagnostic {
	severity := protocol.DiagnosticSeverityError
	source := lspName
	d := protocol.Diagnostic{Severity: &severity, Source: &source, Message: err.Error()}

	var cerr *compiler.Error
	if !errors.As(err, &cerr) {
		return d
	}
	d.Message = cerr.Message
	line := max(cerr.Line-1, 0)
	col := max(cerr.Column-1, 0)
	end := col
	if n := len(cerr.Excerpt); n > end {
		end = n
	}
	d.Range = protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)},
		End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(end)},
	}
	return d
}

// --- Text extraction helpers ---

func isNameChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func isSigil(ch byte) bool { return ch == '.' || ch == '@' || ch == '$' }

// extractPrefix returns the name fragment before the cursor, sigils included.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isNameChar(rune(line[start-1])) {
		start--
	}
	for start > 0 && isSigil(line[start-1]) {
		start--
	}
	if start == col {
		return ""
	}
	return line[start:col]
}

// extractWord returns the full name under the cursor, sigils and a string
// suffix included.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isNameChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isNameChar(rune(line[end])) {
		end++
	}
	if start == end {
		return ""
	}
	for start > 0 && isSigil(line[start-1]) {
		start--
	}
	if end < len(line) && line[end] == '$' {
		end++
	}
	return line[start:end]
}

// uriPath turns a file:// URI into a path for error messages.
func uriPath(uri protocol.DocumentUri) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	return filepath.FromSlash(u.Path)
}

func boolPtr(b bool) *bool {
	return &b
}

// sortedItems orders completion items by label.
func sortedItems(items []protocol.CompletionItem) []protocol.CompletionItem {
	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}
