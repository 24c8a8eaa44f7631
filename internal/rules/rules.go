// Package rules compiles and evaluates visibility expressions over a
// participant's accumulated context.
//
// Supported grammar: AND/OR/&&/||, prefix NOT/!, parenthesized groups,
// comparisons (== != > < >= <=), membership (in, not_in, contains),
// quoted strings, numbers, true/false/null literals, inline lists, and
// dotted context paths. Evaluation never fails a live session: anything
// that cannot be resolved degrades toward "visible".
package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// #region context

// Context is the namespace bundle visibility expressions resolve against.
type Context struct {
	Session     map[string]any // unit id -> submitted payload
	Participant map[string]any
	Scores      map[string]any
	Assignments map[string]any
	URLParams   map[string]any
	Environment map[string]any
}

// reservedNamespaces are path prefixes that never refer to a unit id.
var reservedNamespaces = map[string]bool{
	"url_params":  true,
	"url":         true,
	"session":     true,
	"responses":   true,
	"participant": true,
	"scores":      true,
	"assignments": true,
	"environment": true,
}

// #endregion context

// #region program

// Program is a compiled visibility expression.
type Program struct {
	src  string
	root node
	refs []string
}

// Compile parses an expression once into an evaluable tree.
// An empty expression compiles to a constant true.
func Compile(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	p := &Program{src: trimmed}
	if trimmed == "" {
		p.root = constNode{value: true}
		return p, nil
	}
	root, err := parseExpr(trimmed, p)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", trimmed, err)
	}
	p.root = root
	return p, nil
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Eval evaluates the program against ctx. A nil program is always true.
func (p *Program) Eval(ctx *Context) bool {
	if p == nil || p.root == nil {
		return true
	}
	return p.root.eval(ctx)
}

// PathRefs returns the first segment of every dotted path in the
// expression that is not a reserved namespace. Callers match these
// against known unit ids to derive data dependencies.
func (p *Program) PathRefs() []string {
	if p == nil {
		return nil
	}
	return p.refs
}

// EvalWithInheritance evaluates a parent-to-child chain of programs,
// short-circuiting to false as soon as any ancestor is hidden. Nil
// entries in the chain (no rule at that level) are always visible.
func EvalWithInheritance(chain []*Program, ctx *Context) bool {
	for _, p := range chain {
		if !p.Eval(ctx) {
			return false
		}
	}
	return true
}

func (p *Program) addRef(path []string) {
	if len(path) < 2 || reservedNamespaces[strings.ToLower(path[0])] {
		return
	}
	for _, r := range p.refs {
		if r == path[0] {
			return
		}
	}
	p.refs = append(p.refs, path[0])
}

// #endregion program

// #region nodes

type node interface {
	eval(ctx *Context) bool
}

type constNode struct{ value bool }

func (n constNode) eval(*Context) bool { return n.value }

type andNode struct{ parts []node }

func (n andNode) eval(ctx *Context) bool {
	for _, p := range n.parts {
		if !p.eval(ctx) {
			return false
		}
	}
	return true
}

type orNode struct{ parts []node }

func (n orNode) eval(ctx *Context) bool {
	for _, p := range n.parts {
		if p.eval(ctx) {
			return true
		}
	}
	return false
}

type notNode struct{ sub node }

func (n notNode) eval(ctx *Context) bool { return !n.sub.eval(ctx) }

type cmpNode struct {
	op          string
	left, right operand
}

func (n cmpNode) eval(ctx *Context) bool {
	left := n.left.resolve(ctx)
	right := n.right.resolve(ctx)
	return compare(n.op, left, right)
}

// containsNode tests collection membership: list element, substring,
// or map key, depending on what the left side resolves to.
type containsNode struct {
	left, right operand
}

func (n containsNode) eval(ctx *Context) bool {
	coll := n.left.resolve(ctx)
	needle := n.right.resolve(ctx)
	switch c := coll.(type) {
	case []any:
		return listHas(c, needle)
	case string:
		return strings.Contains(c, stringify(needle))
	case map[string]any:
		_, ok := c[stringify(needle)]
		return ok
	}
	return false
}

type inNode struct {
	left, right operand
	negate      bool
}

func (n inNode) eval(ctx *Context) bool {
	needle := n.left.resolve(ctx)
	coll := n.right.resolve(ctx)
	var hit bool
	switch c := coll.(type) {
	case []any:
		hit = listHas(c, needle)
	case string:
		hit = strings.Contains(c, stringify(needle))
	}
	if n.negate {
		return !hit
	}
	return hit
}

// truthNode is a bare operand with no operator: evaluates its truthiness.
type truthNode struct{ op operand }

func (n truthNode) eval(ctx *Context) bool { return truthy(n.op.resolve(ctx)) }

// #endregion nodes

// #region parser

// parseExpr follows simple left-to-right splitting: AND keyword first,
// then OR, then && and ||, then prefix negation, parentheses, membership
// operators, and finally a single comparison or bare operand.
func parseExpr(s string, p *Program) (node, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty expression")
	}
	switch strings.ToLower(s) {
	case "true":
		return constNode{value: true}, nil
	case "false":
		return constNode{value: false}, nil
	}

	if parts := splitTop(s, "AND", true); len(parts) > 1 {
		return parseJunction(parts, p, true)
	}
	if parts := splitTop(s, "OR", true); len(parts) > 1 {
		return parseJunction(parts, p, false)
	}
	if parts := splitTop(s, "&&", false); len(parts) > 1 {
		return parseJunction(parts, p, true)
	}
	if parts := splitTop(s, "||", false); len(parts) > 1 {
		return parseJunction(parts, p, false)
	}

	if len(s) > 4 && strings.EqualFold(s[:4], "NOT ") {
		sub, err := parseExpr(s[4:], p)
		if err != nil {
			return nil, err
		}
		return notNode{sub: sub}, nil
	}
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		sub, err := parseExpr(s[1:], p)
		if err != nil {
			return nil, err
		}
		return notNode{sub: sub}, nil
	}

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && wrapped(s) {
		return parseExpr(s[1:len(s)-1], p)
	}

	if parts := splitTop(s, "not_in", true); len(parts) == 2 {
		return parseMembership(parts, p, "not_in")
	}
	if parts := splitTop(s, "in", true); len(parts) == 2 {
		return parseMembership(parts, p, "in")
	}
	if parts := splitTop(s, "contains", true); len(parts) == 2 {
		return parseMembership(parts, p, "contains")
	}

	if op, left, right, ok := splitComparison(s); ok {
		lo, err := parseOperand(left, p)
		if err != nil {
			return nil, err
		}
		ro, err := parseOperand(right, p)
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, left: lo, right: ro}, nil
	}

	op, err := parseOperand(s, p)
	if err != nil {
		return nil, err
	}
	return truthNode{op: op}, nil
}

func parseJunction(parts []string, p *Program, conj bool) (node, error) {
	nodes := make([]node, 0, len(parts))
	for _, part := range parts {
		sub, err := parseExpr(part, p)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, sub)
	}
	if conj {
		return andNode{parts: nodes}, nil
	}
	return orNode{parts: nodes}, nil
}

func parseMembership(parts []string, p *Program, op string) (node, error) {
	left, err := parseOperand(parts[0], p)
	if err != nil {
		return nil, err
	}
	right, err := parseOperand(parts[1], p)
	if err != nil {
		return nil, err
	}
	switch op {
	case "contains":
		return containsNode{left: left, right: right}, nil
	case "not_in":
		return inNode{left: left, right: right, negate: true}, nil
	default:
		return inNode{left: left, right: right}, nil
	}
}

// splitTop splits s on a separator appearing at paren/bracket/quote
// depth zero. Keyword separators must be whitespace-delimited and match
// case-insensitively.
func splitTop(s, sep string, keyword bool) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
			continue
		case '(', '[':
			depth++
			continue
		case ')', ']':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		n := len(sep)
		if keyword {
			if i == 0 || s[i-1] != ' ' {
				continue
			}
			if i+n >= len(s) || !strings.EqualFold(s[i:i+n], sep) || s[i+n] != ' ' {
				continue
			}
			parts = append(parts, strings.TrimSpace(s[start:i]))
			i += n
			start = i + 1
		} else {
			if i+n > len(s) || s[i:i+n] != sep {
				continue
			}
			parts = append(parts, strings.TrimSpace(s[start:i]))
			i += n - 1
			start = i + 1
		}
	}
	if len(parts) == 0 {
		return []string{s}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// wrapped reports whether the outermost parens of s enclose the whole
// expression, not just a leading group.
func wrapped(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// splitComparison finds the first top-level comparison operator,
// trying two-character operators before single-character ones.
func splitComparison(s string) (op, left, right string, ok bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
			continue
		case '(', '[':
			depth++
			continue
		case ')', ']':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if i+1 < len(s) {
			two := s[i : i+2]
			switch two {
			case "==", "!=", ">=", "<=":
				return two, s[:i], s[i+2:], true
			}
		}
		if ch == '>' || ch == '<' {
			return string(ch), s[:i], s[i+1:], true
		}
	}
	return "", "", "", false
}

// #endregion parser

// #region operands

type opKind int

const (
	opString opKind = iota
	opNumber
	opBool
	opNull
	opList
	opPath
)

type operand struct {
	kind opKind
	s    string
	n    float64
	b    bool
	list []operand
	path []string
}

func parseOperand(token string, p *Program) (operand, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return operand{}, fmt.Errorf("empty operand")
	}

	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return operand{kind: opString, s: token[1 : len(token)-1]}, nil
		}
	}

	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return operand{kind: opNumber, n: n}, nil
	}

	switch strings.ToLower(token) {
	case "true":
		return operand{kind: opBool, b: true}, nil
	case "false":
		return operand{kind: opBool, b: false}, nil
	case "null", "none":
		return operand{kind: opNull}, nil
	}

	if strings.HasPrefix(token, "[") && strings.HasSuffix(token, "]") {
		inner := strings.TrimSpace(token[1 : len(token)-1])
		var elems []operand
		if inner != "" {
			for _, piece := range splitTopComma(inner) {
				el, err := parseOperand(piece, p)
				if err != nil {
					return operand{}, err
				}
				elems = append(elems, el)
			}
		}
		return operand{kind: opList, list: elems}, nil
	}

	path := strings.Split(token, ".")
	for _, part := range path {
		if part == "" {
			return operand{}, fmt.Errorf("malformed path %q", token)
		}
	}
	p.addRef(path)
	return operand{kind: opPath, path: path}, nil
}

func splitTopComma(s string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func (o operand) resolve(ctx *Context) any {
	switch o.kind {
	case opString:
		return o.s
	case opNumber:
		return o.n
	case opBool:
		return o.b
	case opNull:
		return nil
	case opList:
		out := make([]any, len(o.list))
		for i, el := range o.list {
			out[i] = el.resolve(ctx)
		}
		return out
	}
	return resolvePath(o.path, ctx)
}

// resolvePath walks a dotted path through the context namespaces. An
// unrecognized first segment falls back to submitted data keyed by unit
// id, then to participant fields.
func resolvePath(path []string, ctx *Context) any {
	if len(path) == 0 || ctx == nil {
		return nil
	}
	switch strings.ToLower(path[0]) {
	case "url_params", "url":
		return nested(ctx.URLParams, path[1:])
	case "session", "responses":
		return nested(ctx.Session, path[1:])
	case "participant":
		return nested(ctx.Participant, path[1:])
	case "scores":
		return nested(ctx.Scores, path[1:])
	case "assignments":
		return nested(ctx.Assignments, path[1:])
	case "environment":
		return nested(ctx.Environment, path[1:])
	}

	if unit, ok := ctx.Session[path[0]]; ok {
		if m, isMap := unit.(map[string]any); isMap {
			return nested(m, path[1:])
		}
		return unit
	}
	if _, ok := ctx.Participant[path[0]]; ok {
		if len(path) == 1 {
			return ctx.Participant[path[0]]
		}
		return nested(ctx.Participant, path)
	}
	return nil
}

func nested(data map[string]any, path []string) any {
	var current any = data
	if len(path) == 0 {
		return current
	}
	for _, part := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
		if current == nil {
			return nil
		}
	}
	return current
}

// #endregion operands

// #region comparison

// compare applies a comparison operator with loose coercion:
// numeric-looking strings compare numerically against numbers, and
// string comparison is case-insensitive.
func compare(op string, left, right any) bool {
	left, right = coerce(left, right)
	switch op {
	case "==":
		return looseEq(left, right)
	case "!=":
		return !looseEq(left, right)
	}

	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			switch op {
			case ">":
				return lf > rf
			case "<":
				return lf < rf
			case ">=":
				return lf >= rf
			case "<=":
				return lf <= rf
			}
		}
		return false
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func coerce(left, right any) (any, any) {
	if _, ok := toFloat(left); ok {
		if s, isStr := right.(string); isStr {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				right = f
			}
		}
	}
	if _, ok := toFloat(right); ok {
		if s, isStr := left.(string); isStr {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				left = f
			}
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return strings.ToLower(ls), strings.ToLower(rs)
		}
	}
	return left, right
}

// looseEq is equality after coercion: numbers by value, everything
// else by direct comparison. Slices and maps never compare equal to
// anything; interface equality would panic on them.
func looseEq(left, right any) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
		return false
	}
	switch left.(type) {
	case []any, map[string]any:
		return false
	}
	switch right.(type) {
	case []any, map[string]any:
		return false
	}
	return left == right
}

// toFloat normalizes the numeric types JSON and YAML decoding produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func listHas(list []any, needle any) bool {
	for _, el := range list {
		if looseEq(el, needle) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	if f, ok := toFloat(v); ok {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// #endregion comparison
