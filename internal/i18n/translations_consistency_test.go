package i18n

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/iamwavecut/doorman/resources"
)

func translations(t *testing.T) map[string]map[string]string {
	t.Helper()
	content, err := resources.FS.ReadFile("i18n/translations.yml")
	if err != nil {
		t.Fatalf("read translations: %v", err)
	}
	dict := map[string]map[string]string{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		t.Fatalf("parse translations: %v", err)
	}
	return dict
}

// usedKeys collects literal keys passed to i18n.Get plus the captcha prompt templates,
// which are picked at random and only referenced through challengeKeys.
func usedKeys(t *testing.T) map[string]struct{} {
	t.Helper()
	keys := map[string]struct{}{}
	add := func(e ast.Expr) {
		lit, ok := e.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return
		}
		if v, err := strconv.Unquote(lit.Value); err == nil && v != "" {
			keys[v] = struct{}{}
		}
	}

	fset := token.NewFileSet()
	err := filepath.WalkDir("..", func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() || !strings.HasSuffix(path, ".go"):
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		file, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
		if err != nil {
			return err
		}
		ast.Inspect(file, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.CallExpr:
				sel, ok := n.Fun.(*ast.SelectorExpr)
				if ok && sel.Sel.Name == "Get" && len(n.Args) > 0 {
					if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Name == "i18n" {
						add(n.Args[0])
					}
				}
			case *ast.ValueSpec:
				if len(n.Names) == 1 && n.Names[0].Name == "challengeKeys" && len(n.Values) == 1 {
					if lit, ok := n.Values[0].(*ast.CompositeLit); ok {
						for _, e := range lit.Elts {
							add(e)
						}
					}
				}
			}
			return true
		})
		return nil
	})
	if err != nil {
		t.Fatalf("scan sources: %v", err)
	}
	return keys
}

func TestTranslationsKeysAreUsedAndComplete(t *testing.T) {
	t.Parallel()

	used := usedKeys(t)
	dict := translations(t)

	var missing, unused []string
	for key := range used {
		if _, ok := dict[key]; !ok {
			missing = append(missing, key)
		}
	}
	for key := range dict {
		if _, ok := used[key]; !ok {
			unused = append(unused, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		t.Fatalf("missing translation keys:\n%s", strings.Join(missing, "\n"))
	}
	if len(unused) > 0 {
		slices.Sort(unused)
		t.Fatalf("unused translation keys:\n%s", strings.Join(unused, "\n"))
	}
}

func TestTranslationsCoverSupportedLocales(t *testing.T) {
	t.Parallel()

	dict := translations(t)
	for _, code := range slices.Sorted(maps.Keys(languageNames)) {
		if strings.EqualFold(code, "en") {
			continue
		}
		locale := strings.ToUpper(code)
		for key, values := range dict {
			value := values[locale]
			if strings.TrimSpace(value) == "" {
				t.Fatalf("no %s translation for %q", locale, key)
			}
			if strings.Count(value, "%s") != strings.Count(key, "%s") {
				t.Fatalf("placeholder mismatch for %q in %s", key, locale)
			}
		}
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key, lang, want string
	}{
		{"Welcome, friend!", "en", "Welcome, friend!"},
		{"Welcome, friend!", "RU", "Добро пожаловать, друг!"},
		{"Welcome, friend!", "xx", "Welcome, friend!"},
		{"no such key", "de", "no such key"},
	}
	for _, tt := range tests {
		if got := Get(tt.key, tt.lang); got != tt.want {
			t.Fatalf("Get(%q, %q) = %q, want %q", tt.key, tt.lang, got, tt.want)
		}
	}
}
