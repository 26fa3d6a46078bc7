package filter

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/chatrelay/chatrelay/globals"
)

// Compile builds a target filter program. Filters are compiled once per
// message and run once per recipient. A broken expression yields nil, which
// Run treats as no program.
func Compile(src string) *vm.Program {
	if src == "" {
		return nil
	}
	prog, err := expr.Compile(src, expr.Env(Env{}))
	if err != nil {
		globals.AppLogger.Error("could not compile target filter", "filter", src, "error", err)
		return nil
	}
	return prog
}

// Run evaluates a compiled filter against one recipient. No program means no
// filtering; a runtime error excludes the recipient rather than leaking a
// message the filter may have meant to withhold.
func Run(prog *vm.Program, env Env) bool {
	if prog == nil {
		return true
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run target filter", "error", err)
		return false
	}
	b, ok := res.(bool)
	return ok && b
}
