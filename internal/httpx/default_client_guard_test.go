package httpx

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// bannedHTTPGlobals are package-level net/http values that silently skip
// every timeout and transport knob this package sets. Outbound calls must
// construct their client via NewClient instead.
var bannedHTTPGlobals = map[string]struct{}{
	"DefaultClient":    {},
	"DefaultTransport": {},
}

func guardBannedHTTPGlobals(t *testing.T) {
	t.Helper()

	repoRoot := filepath.Clean(filepath.Join("..", ".."))
	fset := token.NewFileSet()
	var violations []string

	for _, root := range []string{filepath.Join(repoRoot, "internal"), filepath.Join(repoRoot, "cmd")} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir():
				return nil
			case !strings.HasSuffix(path, ".go"), strings.HasSuffix(path, "_test.go"):
				return nil
			}

			file, parseErr := parser.ParseFile(fset, path, nil, 0)
			if parseErr != nil {
				return parseErr
			}
			ast.Inspect(file, func(n ast.Node) bool {
				sel, ok := n.(*ast.SelectorExpr)
				if !ok {
					return true
				}
				pkg, ok := sel.X.(*ast.Ident)
				if !ok || pkg.Name != "http" {
					return true
				}
				if _, banned := bannedHTTPGlobals[sel.Sel.Name]; banned {
					violations = append(violations, fset.Position(sel.Pos()).String()+": http."+sel.Sel.Name)
				}
				return true
			})
			return nil
		})
		if err != nil {
			t.Fatalf("scan %s: %v", root, err)
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("ambient net/http globals used (construct via httpx.NewClient):\n%s", strings.Join(violations, "\n"))
	}
}
