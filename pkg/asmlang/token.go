// Package asmlang is a tiny bytecode-mnemonic assembly language for
// building Spur CompiledMethod heap objects as test fixtures. It keeps
// the teacher's lex -> parse -> AST -> emit pipeline shape (pkg/lexer,
// pkg/parser, pkg/ast, pkg/compiler in the original smog source), but
// retargets it: instead of compiling smog source text to smog's own
// opcode set, it assembles short mnemonic listings directly into the
// V3+Sista bytecode bytes of spec.md §4.2, since a VM that only ever
// executes pre-compiled image bytecode (spec.md §1) has no honest use
// for a from-scratch source compiler.
package asmlang

// TokenType classifies one lexical token.
type TokenType int

const (
	TokEOF TokenType = iota
	TokNewline
	TokIdent
	TokNumber
	TokString
	TokDirective // a leading-dot word: .args, .temps, .primitive, .home, .literals, .code
	TokColon
)

// Token is one lexical unit produced by the Lexer.
type Token struct {
	Type TokenType
	Lit  string
	Num  int64
	Line int
}
