// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// verify-single-state-writer enforces the single-writer rule for lifecycle
// status: the guarded StatusRecord fields may only be mutated inside
// internal/domain/instance/lifecycle, where ApplyTransition stamps state,
// reason codes and time anchors together. A direct write anywhere else
// bypasses the transition table and desynchronizes the persisted status
// from the state machine.
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

var guardedFields = map[string]struct{}{
	"State":             {},
	"Reason":            {},
	"ReasonDetailCode":  {},
	"ReasonDetailDebug": {},
}

func main() {
	pattern := "./internal/..."
	if len(os.Args) > 1 {
		pattern = os.Args[1]
	}

	violations, err := Analyze(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "❌ ad-hoc status writes found (use lifecycle.Dispatch/ApplyTransition):")
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, v)
		}
		os.Exit(1)
	}

	fmt.Println("PASS: all status writes go through the lifecycle package")
}

// Analyze loads the given package pattern and reports every write to a
// guarded StatusRecord field outside the lifecycle package.
func Analyze(pattern string) ([]string, error) {
	cfg := &packages.Config{
		Mode: packages.NeedSyntax | packages.NeedFiles | packages.NeedTypes | packages.NeedTypesInfo | packages.NeedName,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for i, file := range pkg.Syntax {
			filename := ""
			if i < len(pkg.CompiledGoFiles) {
				filename = pkg.CompiledGoFiles[i]
			} else if i < len(pkg.GoFiles) {
				filename = pkg.GoFiles[i]
			}
			if filename == "" {
				continue
			}
			if strings.HasSuffix(filename, "_test.go") {
				continue
			}
			// The lifecycle package is the designated writer.
			if strings.Contains(filename, filepath.Join("internal", "domain", "instance", "lifecycle")+string(os.PathSeparator)) {
				continue
			}

			ast.Inspect(file, func(n ast.Node) bool {
				switch node := n.(type) {
				case *ast.AssignStmt:
					for _, lhs := range node.Lhs {
						sel, ok := lhs.(*ast.SelectorExpr)
						if !ok {
							continue
						}
						if !isStatusRecordType(sel.X, pkg.TypesInfo) {
							continue
						}
						if _, guarded := guardedFields[sel.Sel.Name]; guarded {
							violations = append(violations, formatViolation(filename, sel.Pos(), fmt.Sprintf("direct StatusRecord.%s write (use lifecycle.Dispatch/ApplyTransition)", sel.Sel.Name)))
						}
					}
				case *ast.CompositeLit:
					if !isStatusRecordType(node.Type, pkg.TypesInfo) {
						return true
					}
					for _, elt := range node.Elts {
						kv, ok := elt.(*ast.KeyValueExpr)
						if !ok {
							continue
						}
						key, ok := kv.Key.(*ast.Ident)
						if !ok {
							continue
						}
						if _, guarded := guardedFields[key.Name]; guarded {
							violations = append(violations, formatViolation(filename, kv.Pos(), fmt.Sprintf("direct StatusRecord literal with %s (use lifecycle.NewStatusRecord)", key.Name)))
						}
					}
				}
				return true
			})
		}
	}
	return violations, nil
}

func isStatusRecordType(expr ast.Expr, info *types.Info) bool {
	typ := info.TypeOf(expr)
	if typ == nil {
		return false
	}
	if ptr, ok := typ.(*types.Pointer); ok {
		typ = ptr.Elem()
	}
	named, ok := typ.(*types.Named)
	if !ok {
		return false
	}
	if named.Obj().Name() != "StatusRecord" {
		return false
	}
	if named.Obj().Pkg() == nil {
		return false
	}
	return strings.HasSuffix(named.Obj().Pkg().Path(), "/internal/domain/instance/model")
}

func formatViolation(filename string, pos token.Pos, msg string) string {
	rel, err := filepath.Rel(".", filename)
	if err == nil {
		filename = rel
	}
	return fmt.Sprintf("%s:%d: %s", filename, pos, msg)
}
