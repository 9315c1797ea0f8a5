package rel

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.sql.tmpl
var templateFS embed.FS

var ddlTemplates = template.Must(template.ParseFS(templateFS, "templates/*.sql.tmpl"))

// tableView is what the templates see for one table: everything precomputed
// so the templates themselves stay simple for/if skeletons, in the spirit
// of spec §9's "minimal template engine with for/if/macro expansion" note —
// the engine is text/template over the embedded templates/*.sql.tmpl.
type tableView struct {
	Table            *Table
	Ident            string
	LiveIdent        string
	OrderedIdent     string
	AtIdent          string
	ParentIdent      string
	ParentFKColumn   string
	MainSchema       string
	IsBigMap         bool
	HasParentFK      bool
	IsList           bool
	Columns          []Column
	IndexColumnNames []string
}

func quoteIdent(schema, name string) string { return fmt.Sprintf("%s.%q", schema, name) }

func newTableView(contractSchema, mainSchema string, t *Table) tableView {
	var idxNames []string
	for _, c := range t.IndexColumns() {
		idxNames = append(idxNames, c.Name)
	}
	v := tableView{
		Table:            t,
		Ident:            quoteIdent(contractSchema, t.Name),
		LiveIdent:        quoteIdent(contractSchema, t.Name+"_live"),
		OrderedIdent:     quoteIdent(contractSchema, t.Name+"_ordered"),
		AtIdent:          fmt.Sprintf("%s.%s_at", contractSchema, sqlFuncSafe(t.Name)),
		MainSchema:       mainSchema,
		IsBigMap:         t.Kind == KindBigMap,
		HasParentFK:      t.HasParentFK,
		IsList:           t.IsList,
		Columns:          t.Columns,
		IndexColumnNames: idxNames,
		ParentFKColumn:   "parent_id",
	}
	if t.Parent != nil {
		v.ParentIdent = quoteIdent(contractSchema, t.Parent.Name)
	}
	return v
}

// sqlFuncSafe turns a dotted table path into a valid unquoted function name
// suffix (Postgres function names don't need quoting the way table paths
// with dots do, since we never quote the _at() identifier).
func sqlFuncSafe(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// RenderDDL renders every CREATE TABLE/INDEX/FUNCTION statement for one
// contract's RelModel into the contract's own schema. mainSchema is the
// shared schema name (default "que_pasa", see --main-schema).
func RenderDDL(contractSchema, mainSchema string, m *RelModel) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CREATE SCHEMA IF NOT EXISTS %s;\n\n", contractSchema)

	for _, t := range m.Tables {
		v := newTableView(contractSchema, mainSchema, t)
		for _, name := range []string{"table.sql.tmpl", "live.sql.tmpl", "ordered.sql.tmpl", "at.sql.tmpl"} {
			if err := ddlTemplates.ExecuteTemplate(&buf, name, v); err != nil {
				return "", fmt.Errorf("rel: rendering %s for table %q: %w", name, t.Name, err)
			}
			buf.WriteString("\n")
		}
	}
	return buf.String(), nil
}
