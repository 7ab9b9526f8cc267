package mail

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	texttpl "text/template"

	"cartwatch/internal/cart"
)

//go:embed templates/*.tmpl
var builtinFS embed.FS

// Each template file defines three blocks: "subject", "text" and "html".
const (
	blockSubject = "subject"
	blockText    = "text"
	blockHTML    = "html"
)

// ItemLine is one cart line as seen by templates.
type ItemLine struct {
	Name      string
	Qty       int
	UnitPrice float64
	LineTotal float64
}

// TemplateData is the value templates execute against.
type TemplateData struct {
	Stage        int
	CartID       string
	CustomerName string
	Email        string
	Items        []ItemLine
	ItemCount    int
	Total        float64
	RecoveryURL  string
}

// NewTemplateData builds template input for c.
// recoveryURL may contain "{cartId}", which is replaced with the cart id.
func NewTemplateData(c cart.Cart, stage int, recoveryURL string) TemplateData {
	name := strings.TrimSpace(c.UserName)
	if name == "" {
		name = "there"
	}
	lines := make([]ItemLine, 0, len(c.Items))
	for _, it := range c.Items {
		n := it.Name
		if n == "" {
			n = it.ProductRef
		}
		lines = append(lines, ItemLine{
			Name:      n,
			Qty:       it.Qty,
			UnitPrice: it.UnitPrice,
			LineTotal: float64(it.Qty) * it.UnitPrice,
		})
	}
	return TemplateData{
		Stage:        stage,
		CartID:       c.ID,
		CustomerName: name,
		Email:        c.Email,
		Items:        lines,
		ItemCount:    c.ItemCount(),
		Total:        c.Total(),
		RecoveryURL:  strings.ReplaceAll(recoveryURL, "{cartId}", c.ID),
	}
}

// Rendered is the output of a template.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type compiled struct {
	text *texttpl.Template
	html *htmltpl.Template
}

// Templates holds the parsed reminder templates keyed by name (file name
// without extension). It is immutable after construction.
type Templates struct {
	byName map[string]compiled
}

var funcs = map[string]any{
	"money": func(v float64) string { return fmt.Sprintf("%.2f", v) },
}

// LoadTemplates parses the built-in templates, then any *.tmpl files in dir
// (which replace built-ins of the same name). dir may be empty.
func LoadTemplates(dir string) (*Templates, error) {
	sources := map[string]string{}
	if err := collect(builtinFS, "templates", sources); err != nil {
		return nil, err
	}
	if dir = strings.TrimSpace(dir); dir != "" {
		if err := collect(os.DirFS(dir), ".", sources); err != nil {
			return nil, fmt.Errorf("templates dir %s: %w", dir, err)
		}
	}

	t := &Templates{byName: make(map[string]compiled, len(sources))}
	for name, src := range sources {
		tt, err := texttpl.New(name).Funcs(funcs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		ht, err := htmltpl.New(name).Funcs(funcs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		for _, block := range []string{blockSubject, blockText, blockHTML} {
			if tt.Lookup(block) == nil {
				return nil, fmt.Errorf("template %s: missing %q block", name, block)
			}
		}
		t.byName[name] = compiled{text: tt, html: ht}
	}
	return t, nil
}

func collect(fsys fs.FS, root string, out map[string]string) error {
	matches, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(root, "*.tmpl")))
	if err != nil {
		return err
	}
	for _, m := range matches {
		b, err := fs.ReadFile(fsys, m)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(m), ".tmpl")
		out[name] = string(b)
	}
	return nil
}

// Has reports whether a template called name is loaded.
func (t *Templates) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Names returns the loaded template names, sorted.
func (t *Templates) Names() []string {
	out := make([]string, 0, len(t.byName))
	for n := range t.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render executes template name against data.
func (t *Templates) Render(name string, data TemplateData) (Rendered, error) {
	c, ok := t.byName[name]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var out Rendered
	var buf bytes.Buffer
	if err := c.text.ExecuteTemplate(&buf, blockSubject, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	out.Subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := c.text.ExecuteTemplate(&buf, blockText, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s text: %w", name, err)
	}
	out.Text = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := c.html.ExecuteTemplate(&buf, blockHTML, data); err != nil {
		return Rendered{}, fmt.Errorf("render %s html: %w", name, err)
	}
	out.HTML = strings.TrimSpace(buf.String())
	return out, nil
}
