// Package prompt renders the system instructions for the decide loop from
// an embedded template and a YAML description of the dataset.
package prompt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
)

var (
	//go:embed template/system.txt
	systemRaw string

	//go:embed template/schema.yaml
	schemaRaw []byte
)

type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Desc string `yaml:"desc"`
}

// DatasetSchema describes the tables the query capability may read.
type DatasetSchema struct {
	Dialect string   `yaml:"dialect"`
	Tables  []string `yaml:"tables"`
	Columns []Column `yaml:"columns"`
	Rules   []string `yaml:"rules"`
}

func (s DatasetSchema) Validate() error {
	if len(s.Tables) == 0 {
		return errors.New("dataset schema lists no tables")
	}
	if len(s.Columns) == 0 {
		return errors.New("dataset schema lists no columns")
	}
	for i, c := range s.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("column %d needs a name and a type", i)
		}
	}
	return nil
}

func ParseSchema(raw []byte) (DatasetSchema, error) {
	var s DatasetSchema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return DatasetSchema{}, fmt.Errorf("%w: parse dataset schema: %v", contractx.ErrPromptMissing, err)
	}
	if err := s.Validate(); err != nil {
		return DatasetSchema{}, fmt.Errorf("%w: %v", contractx.ErrPromptMissing, err)
	}
	if strings.TrimSpace(s.Dialect) == "" {
		s.Dialect = "SQL"
	}
	return s, nil
}

// DefaultSchema is the embedded Argo dataset description.
func DefaultSchema() (DatasetSchema, error) {
	return ParseSchema(schemaRaw)
}

// PromptSet holds rendered prompt content.
type PromptSet struct {
	System string
}

// LoadPromptSet renders the system prompt for ds.
func LoadPromptSet(ctx context.Context, ds DatasetSchema) (PromptSet, error) {
	template := einoprompt.FromMessages(schema.FString, schema.SystemMessage(strings.TrimSpace(systemRaw)))
	msgs, err := template.Format(ctx, map[string]any{
		"dialect": ds.Dialect,
		"tables":  renderTables(ds.Tables),
		"columns": renderColumns(ds.Columns),
		"rules":   renderRules(ds.Rules),
	})
	if err != nil {
		return PromptSet{}, fmt.Errorf("%w: render system prompt: %v", contractx.ErrPromptMissing, err)
	}
	if len(msgs) == 0 || strings.TrimSpace(msgs[0].Content) == "" {
		return PromptSet{}, fmt.Errorf("%w: system prompt is empty", contractx.ErrPromptMissing)
	}
	return PromptSet{System: msgs[0].Content}, nil
}

func renderTables(tables []string) string {
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = "`" + strings.TrimSpace(t) + "`"
	}
	return strings.Join(quoted, " and ")
}

func renderColumns(cols []Column) string {
	lines := make([]string, len(cols))
	for i, c := range cols {
		line := fmt.Sprintf("- %s (%s)", c.Name, c.Type)
		if d := strings.TrimSpace(c.Desc); d != "" {
			line += ": " + d
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func renderRules(rules []string) string {
	if len(rules) == 0 {
		return "- None."
	}
	lines := make([]string, len(rules))
	for i, r := range rules {
		lines[i] = "- " + strings.TrimSpace(r)
	}
	return strings.Join(lines, "\n")
}
