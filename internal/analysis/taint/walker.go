package taint

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/analysis/matcher"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

// cancellation is polled every this many visited statements.
const cancelCheckInterval = 256

// Result is the output of one pass over a file.
type Result struct {
	// Sites holds every pattern match in source order.
	Sites []core.MatchSite
	// Flows holds the sink checks that observed reportable data.
	Flows []core.Flow
}

// env maps variable names (and dotted attribute targets such as `self.cmd`)
// to their state. A missing name has never been assigned on this path.
type env map[string]State

func (e env) clone() env {
	out := make(env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func joinEnv(a, b env) env {
	out := a.clone()
	for k, v := range b {
		if cur, ok := out[k]; ok {
			out[k] = Join(cur, v)
		} else {
			out[k] = v
		}
	}
	return out
}

type flowKey struct {
	rule         string
	line, column int
}

// seed is a decorator match whose rule classifies the parameters of the
// decorated function.
type seed struct {
	rule *rules.Rule
	site core.MatchSite
}

// walker performs a single forward pass in lexical order. Branches are
// analysed from the same pre-state and merged with Join; loop bodies are
// walked twice so loop-carried assignments reach the loop head.
type walker struct {
	ctx    context.Context
	unit   core.Unit
	corpus *rules.Corpus
	sites  matcher.Index
	policy Policy
	logger *zap.Logger

	env     env
	flows   []core.Flow
	flowIdx map[flowKey]int
	steps   int
	err     error
}

// Propagate matches the corpus against unit and runs the taint pass.
func Propagate(ctx context.Context, unit core.Unit, corpus *rules.Corpus, policy Policy, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	sites := matcher.MatchAll(unit, corpus)
	w := &walker{
		ctx:     ctx,
		unit:    unit,
		corpus:  corpus,
		sites:   matcher.NewIndex(sites),
		policy:  policy,
		logger:  logger.Named("taint_walker"),
		env:     make(env),
		flowIdx: make(map[flowKey]int),
	}

	w.visit(unit.Root())
	if w.err != nil {
		return Result{}, w.err
	}
	return Result{Sites: sites, Flows: w.flows}, nil
}

// -- Statements --

func (w *walker) visit(n *sitter.Node) {
	if n == nil || w.err != nil {
		return
	}
	w.steps++
	if w.steps%cancelCheckInterval == 0 {
		if err := w.ctx.Err(); err != nil {
			w.err = err
			return
		}
	}

	switch n.Type() {
	case "module", "block":
		w.visitChildren(n)
	case "import_statement", "import_from_statement", "future_import_statement",
		"comment", "pass_statement", "break_statement", "continue_statement":
	case "if_statement":
		w.ifStatement(n)
	case "for_statement":
		w.loop(n, n.ChildByFieldName("right"), n.ChildByFieldName("left"))
	case "while_statement":
		w.loop(n, n.ChildByFieldName("condition"), nil)
	case "try_statement":
		w.tryStatement(n)
	case "with_statement":
		w.withStatement(n)
	case "function_definition":
		w.functionDefinition(n, nil)
	case "decorated_definition":
		w.decoratedDefinition(n)
	case "class_definition":
		w.classDefinition(n)
	default:
		w.eval(n)
	}
}

func (w *walker) visitChildren(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i))
	}
}

func (w *walker) ifStatement(n *sitter.Node) {
	w.eval(n.ChildByFieldName("condition"))
	pre := w.env

	w.env = pre.clone()
	w.visit(n.ChildByFieldName("consequence"))
	branches := []env{w.env}

	exhaustive := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		alt := n.NamedChild(i)
		switch alt.Type() {
		case "elif_clause":
			w.env = pre.clone()
			w.eval(alt.ChildByFieldName("condition"))
			w.visit(alt.ChildByFieldName("consequence"))
			branches = append(branches, w.env)
		case "else_clause":
			w.env = pre.clone()
			w.visitBody(alt)
			branches = append(branches, w.env)
			exhaustive = true
		}
	}
	if !exhaustive {
		branches = append(branches, pre)
	}
	w.env = branches[0]
	for _, b := range branches[1:] {
		w.env = joinEnv(w.env, b)
	}
}

// loop handles for and while statements. head is the iterable or the
// condition; target, when set, is bound to the iterable's state.
func (w *walker) loop(n, head, target *sitter.Node) {
	pre := w.env
	headState := w.eval(head)
	body := n.ChildByFieldName("body")

	entry := pre
	for pass := 0; pass < 2; pass++ {
		w.env = entry.clone()
		if pass > 0 && target == nil {
			w.eval(head)
		}
		if target != nil {
			w.bind(target, headState)
		}
		w.visit(body)
		entry = joinEnv(pre, w.env)
	}
	w.env = entry

	if alt := n.ChildByFieldName("alternative"); alt != nil {
		w.visitBody(alt)
	}
}

func (w *walker) tryStatement(n *sitter.Node) {
	pre := w.env
	w.env = pre.clone()
	w.visit(n.ChildByFieldName("body"))
	afterBody := w.env

	// A handler may run after any prefix of the body.
	handlerEntry := joinEnv(pre, afterBody)
	normal := afterBody
	var handlers []env
	var finally *sitter.Node

	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		switch clause.Type() {
		case "except_clause", "except_group_clause":
			w.env = handlerEntry.clone()
			w.visitChildren(clause)
			handlers = append(handlers, w.env)
		case "else_clause":
			w.env = afterBody.clone()
			w.visitBody(clause)
			normal = w.env
		case "finally_clause":
			finally = clause
		}
	}

	w.env = normal
	for _, h := range handlers {
		w.env = joinEnv(w.env, h)
	}
	if finally != nil {
		w.visitChildren(finally)
	}
}

func (w *walker) withStatement(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		if clause.Type() != "with_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			item := clause.NamedChild(j)
			value := item.ChildByFieldName("value")
			if value == nil && item.NamedChildCount() > 0 {
				value = item.NamedChild(0)
			}
			if value != nil && value.Type() == "as_pattern" && value.NamedChildCount() > 0 {
				st := w.eval(value.NamedChild(0))
				w.bind(value.ChildByFieldName("alias"), st)
				continue
			}
			w.eval(value)
		}
	}
	w.visit(n.ChildByFieldName("body"))
}

// visitBody visits the body of an else-like clause.
func (w *walker) visitBody(clause *sitter.Node) {
	if body := clause.ChildByFieldName("body"); body != nil {
		w.visit(body)
		return
	}
	w.visitChildren(clause)
}

func (w *walker) decoratedDefinition(n *sitter.Node) {
	var seeds []seed
	for i := 0; i < int(n.NamedChildCount()); i++ {
		dec := n.NamedChild(i)
		if dec.Type() != "decorator" || dec.NamedChildCount() == 0 {
			continue
		}
		expr := dec.NamedChild(0)
		// The decorator is evaluated like any expression, so a sink rule
		// matching it is checked against its own arguments here.
		w.eval(expr)
		for _, site := range w.sites.At(expr) {
			rule, ok := w.corpus.Rule(site.RuleID)
			if ok && rule.Taint.Seeds() {
				seeds = append(seeds, seed{rule: rule, site: site})
			}
		}
	}

	def := n.ChildByFieldName("definition")
	if def == nil {
		return
	}
	switch def.Type() {
	case "function_definition":
		w.functionDefinition(def, seeds)
	case "class_definition":
		w.classDefinition(def)
	default:
		w.visit(def)
	}
}

// functionDefinition analyses the body at the point of definition. The body
// sees the enclosing names; parameters start Unknown unless seeded.
func (w *walker) functionDefinition(n *sitter.Node, seeds []seed) {
	if params := n.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			p := params.NamedChild(i)
			if v := p.ChildByFieldName("value"); v != nil {
				w.eval(v)
			}
		}
	}

	outer := w.env
	w.env = outer.clone()
	for _, name := range w.unit.Parameters(n) {
		w.env[name] = w.seedState(name, seeds)
	}
	w.visit(n.ChildByFieldName("body"))
	w.env = outer
}

func (w *walker) seedState(param string, seeds []seed) State {
	st := unknownState
	for _, s := range seeds {
		c, ok := s.rule.Taint.Args[param]
		if !ok && param != "self" && param != "cls" {
			c, ok = s.rule.Taint.Args[rules.AnyParam]
		}
		if !ok {
			continue
		}
		switch c {
		case rules.ClassTainted:
			st = Join(st, State{Level: core.Tainted, Origin: s.rule.Key, Provenance: []core.MatchSite{s.site}})
		case rules.ClassSafe:
			st = Join(st, State{Level: core.Safe, Origin: s.rule.Key})
		}
	}
	return st
}

func (w *walker) classDefinition(n *sitter.Node) {
	w.eval(n.ChildByFieldName("superclasses"))
	outer := w.env
	w.env = outer.clone()
	w.visit(n.ChildByFieldName("body"))
	w.env = outer
}

// -- Expressions --

func (w *walker) eval(n *sitter.Node) State {
	if n == nil || w.err != nil {
		return unknownState
	}

	switch n.Type() {
	case "identifier":
		if st, ok := w.env[w.unit.Text(n)]; ok {
			return st
		}
		if st, ok := w.fromSites(n); ok {
			return st
		}
		return unknownState

	case "attribute":
		if st, ok := w.fromSites(n); ok {
			return st
		}
		if st, ok := w.env[w.unit.Text(n)]; ok {
			return st
		}
		return w.eval(n.ChildByFieldName("object"))

	case "call":
		return w.call(n)

	case "string":
		return w.stringState(n)

	case "integer", "float", "true", "false", "none", "ellipsis":
		return safeState

	case "assignment":
		return w.assign(n)

	case "augmented_assignment":
		left := n.ChildByFieldName("left")
		st := JoinCall(w.eval(left), w.eval(n.ChildByFieldName("right")))
		w.bind(left, st)
		return st

	case "named_expression":
		st := w.eval(n.ChildByFieldName("value"))
		w.bind(n.ChildByFieldName("name"), st)
		return st

	case "binary_operator", "boolean_operator":
		return JoinCall(w.eval(n.ChildByFieldName("left")), w.eval(n.ChildByFieldName("right")))

	case "comparison_operator", "not_operator":
		w.evalChildren(n)
		return safeState

	case "unary_operator":
		return w.eval(n.ChildByFieldName("argument"))

	case "conditional_expression":
		// a if cond else b
		if n.NamedChildCount() < 3 {
			w.evalChildren(n)
			return unknownState
		}
		w.eval(n.NamedChild(1))
		pre := w.env
		w.env = pre.clone()
		a := w.eval(n.NamedChild(0))
		left := w.env
		w.env = pre.clone()
		b := w.eval(n.NamedChild(2))
		w.env = joinEnv(left, w.env)
		return Join(a, b)

	case "subscript":
		container := w.eval(n.ChildByFieldName("value"))
		for i := 1; i < int(n.NamedChildCount()); i++ {
			w.eval(n.NamedChild(i))
		}
		return container

	case "parenthesized_expression", "await", "list_splat", "dictionary_splat",
		"parenthesized_list_splat", "interpolation", "expression_statement":
		st := unknownState
		for i := 0; i < int(n.NamedChildCount()); i++ {
			st = w.eval(n.NamedChild(i))
		}
		return st

	case "list", "tuple", "set", "dictionary", "pair", "expression_list",
		"pattern_list", "tuple_pattern", "list_pattern", "concatenated_string", "slice":
		return w.combine(n)

	case "list_comprehension", "set_comprehension", "dictionary_comprehension", "generator_expression":
		return w.comprehension(n)

	case "lambda":
		outer := w.env
		w.env = outer.clone()
		for _, name := range w.unit.Parameters(n) {
			w.env[name] = unknownState
		}
		w.eval(n.ChildByFieldName("body"))
		w.env = outer
		return unknownState

	case "ERROR":
		w.logger.Debug("Evaluating syntax error node as Unknown.",
			zap.String("file", w.unit.Path()), zap.Int("line", int(n.StartPoint().Row)+1))
		w.visitChildren(n)
		return unknownState
	}

	w.visitChildren(n)
	return unknownState
}

func (w *walker) evalChildren(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.eval(n.NamedChild(i))
	}
}

// combine joins the elements of a container or compound literal. An empty
// container is Safe.
func (w *walker) combine(n *sitter.Node) State {
	st := safeState
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		st = JoinCall(st, w.eval(c))
	}
	return st
}

// stringState is Safe unless an f-string interpolates a non-Safe value.
func (w *walker) stringState(n *sitter.Node) State {
	st := safeState
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "interpolation" {
			st = JoinCall(st, w.eval(c))
		}
	}
	return st
}

func (w *walker) comprehension(n *sitter.Node) State {
	outer := w.env
	w.env = outer.clone()
	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		switch clause.Type() {
		case "for_in_clause":
			w.bind(clause.ChildByFieldName("left"), w.eval(clause.ChildByFieldName("right")))
		case "if_clause":
			w.evalChildren(clause)
		}
	}
	st := w.eval(n.ChildByFieldName("body"))
	w.env = outer
	return st
}

func (w *walker) assign(n *sitter.Node) State {
	right := n.ChildByFieldName("right")
	if right == nil {
		// Bare annotation: `x: int`.
		return unknownState
	}
	st := w.eval(right)
	w.bind(n.ChildByFieldName("left"), st)
	return st
}

// bind stores st into an assignment target. Destructuring spreads the whole
// state to every name; subscript stores are weak updates of the container.
func (w *walker) bind(target *sitter.Node, st State) {
	if target == nil {
		return
	}
	switch target.Type() {
	case "identifier", "attribute":
		w.env[w.unit.Text(target)] = st
	case "as_pattern_target":
		if target.NamedChildCount() == 0 {
			w.env[w.unit.Text(target)] = st
			return
		}
		for i := 0; i < int(target.NamedChildCount()); i++ {
			w.bind(target.NamedChild(i), st)
		}
	case "subscript":
		value := target.ChildByFieldName("value")
		for i := 1; i < int(target.NamedChildCount()); i++ {
			w.eval(target.NamedChild(i))
		}
		name := w.unit.Text(value)
		if cur, ok := w.env[name]; ok {
			w.env[name] = JoinCall(cur, st)
		} else {
			w.env[name] = st
		}
	default:
		for i := 0; i < int(target.NamedChildCount()); i++ {
			w.bind(target.NamedChild(i), st)
		}
	}
}

// fromSites applies source and sanitizer rules matched on n.
func (w *walker) fromSites(n *sitter.Node) (State, bool) {
	var sanitizer *rules.Rule
	for _, site := range w.sites.At(n) {
		rule, ok := w.corpus.Rule(site.RuleID)
		if !ok {
			continue
		}
		if rule.IsSource() {
			return State{Level: core.Tainted, Origin: rule.Key, Provenance: []core.MatchSite{site}}, true
		}
		if rule.IsSanitizer() && sanitizer == nil {
			sanitizer = rule
		}
	}
	if sanitizer != nil && w.policy.TrustSanitizers {
		return State{Level: core.Safe, Origin: sanitizer.Key}, true
	}
	return State{}, false
}

// receiver evaluates the object side of an attribute callee. ok is false when
// the chain bottoms out at an imported module, which holds code, not data.
func (w *walker) receiver(n *sitter.Node) (State, bool) {
	switch n.Type() {
	case "identifier":
		if st, ok := w.env[w.unit.Text(n)]; ok {
			return st, true
		}
		if st, ok := w.fromSites(n); ok {
			return st, true
		}
		if w.unit.IsModule(n) {
			return State{}, false
		}
		return unknownState, true
	case "attribute":
		if st, ok := w.fromSites(n); ok {
			return st, true
		}
		if st, ok := w.env[w.unit.Text(n)]; ok {
			return st, true
		}
		return w.receiver(n.ChildByFieldName("object"))
	}
	return w.eval(n), true
}

// call evaluates the callee and the arguments, checks sink rules matched on the
// call, then applies source and sanitizer rules to the result.
func (w *walker) call(n *sitter.Node) State {
	fn := n.ChildByFieldName("function")
	var inputs []State

	switch {
	case fn == nil:
	case fn.Type() == "identifier":
		if st, ok := w.env[w.unit.Text(fn)]; ok {
			inputs = append(inputs, st)
		}
	case fn.Type() == "attribute":
		if st, ok := w.receiver(fn); ok {
			inputs = append(inputs, st)
		}
	default:
		inputs = append(inputs, w.eval(fn))
	}

	argStates := make(map[core.NodeKey]State)
	if args := n.ChildByFieldName("arguments"); args != nil {
		if args.Type() == "generator_expression" {
			st := w.eval(args)
			argStates[core.KeyOf(args)] = st
			inputs = append(inputs, st)
		} else {
			for i := 0; i < int(args.NamedChildCount()); i++ {
				arg := args.NamedChild(i)
				key := arg
				switch arg.Type() {
				case "comment":
					continue
				case "keyword_argument":
					key = arg.ChildByFieldName("value")
				}
				st := w.eval(key)
				argStates[core.KeyOf(key)] = st
				inputs = append(inputs, st)
			}
		}
	}

	result := unknownState
	if len(inputs) > 0 {
		result = inputs[0]
		for _, st := range inputs[1:] {
			result = JoinCall(result, st)
		}
	}
	// Method calls already carry their receiver's state.
	if _, resolved := w.unit.ResolveCallee(n); !resolved && (fn == nil || fn.Type() != "attribute") {
		result = JoinCall(result, unknownState)
	}

	var source, sanitizer *core.MatchSite
	var sourceRule, sanitizerRule *rules.Rule
	sites := w.sites.At(n)
	for i := range sites {
		site := sites[i]
		rule, ok := w.corpus.Rule(site.RuleID)
		if !ok {
			continue
		}
		switch {
		case rule.IsSink():
			w.checkSink(rule, site, argStates)
		case rule.IsSource() && source == nil:
			source, sourceRule = &sites[i], rule
		case rule.IsSanitizer() && sanitizer == nil:
			sanitizer, sanitizerRule = &sites[i], rule
		}
	}

	switch {
	case source != nil:
		return State{Level: core.Tainted, Origin: sourceRule.Key, Provenance: []core.MatchSite{*source}}
	case sanitizer != nil && w.policy.TrustSanitizers:
		return State{Level: core.Safe, Origin: sanitizerRule.Key}
	case sanitizer != nil && result.Level != core.Safe:
		// Distrusted sanitizers stay in the explanation.
		result.Provenance = w.policy.extend(result.Provenance, *sanitizer)
	}
	return result
}

// checkSink evaluates one sink site. Sinks with named sink parameters only
// check the arguments bound to them; a parameter that may hide behind an
// unresolved positional or splat argument is checked as at least Unknown.
// Other sinks check every argument.
func (w *walker) checkSink(rule *rules.Rule, site core.MatchSite, argStates map[core.NodeKey]State) {
	var (
		worst State
		arg   core.Argument
		found bool
	)
	consider := func(a core.Argument, st State) {
		if !found || callRank(st.Level) > callRank(worst.Level) {
			worst, arg, found = st, a, true
		}
	}
	stateOf := func(a core.Argument) State {
		if st, ok := argStates[core.KeyOf(a.Node)]; ok {
			return st
		}
		return unknownState
	}

	params := rule.Taint.SinkParams()
	if len(params) == 0 {
		for _, a := range site.Args {
			consider(a, stateOf(a))
		}
	} else {
		for _, p := range params {
			bound := false
			for _, a := range site.Args {
				if a.Name == p {
					consider(a, stateOf(a))
					bound = true
				}
			}
			if bound {
				continue
			}
			for _, a := range site.Args {
				if a.Name == "" {
					consider(a, JoinCall(unknownState, stateOf(a)))
				}
			}
		}
	}

	if !found || !w.policy.reportable(worst.Level) {
		return
	}
	w.addFlow(core.Flow{
		Sink:       site,
		Argument:   arg.Text,
		Level:      worst.Level,
		Provenance: w.policy.extend(worst.Provenance, site),
		Message:    rule.Taint.LogMessage,
	})
}

// addFlow records a flow once per (rule, location); a Tainted observation
// replaces an Unknown one from an earlier loop pass or branch.
func (w *walker) addFlow(f core.Flow) {
	key := flowKey{rule: f.Sink.RuleID, line: f.Sink.Location.Line, column: f.Sink.Location.Column}
	if i, ok := w.flowIdx[key]; ok {
		if f.Level == core.Tainted && w.flows[i].Level != core.Tainted {
			w.flows[i] = f
		}
		return
	}
	w.flowIdx[key] = len(w.flows)
	w.flows = append(w.flows, f)
}
