package cms

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Fixed CMS locations used by the module.
const (
	SettingsTemplatePath = "/sitecore/templates/Modules/GoogleAnalytics/GoogleAnalyticsSiteSettings"
	TemplateFolderParent = "{E6904C9A-3ACE-4B53-B465-4C05C6B1F1CC}"
	TemplateFolderName   = "GoogleAnalytics"
	SettingsSubPath      = "Settings/Google Analytics"
	SettingsFolder       = "Settings"
	PropertyIDField      = "PropertyID"
)

// Document is a parsed GraphQL operation.
type Document struct {
	Name      string
	Source    string
	Operation ast.Operation
	required  []string
	declared  map[string]bool
}

// ParseDocument parses src and checks it holds exactly one named operation.
func ParseDocument(name, src string) (*Document, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: name, Input: src})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("%s: expected one operation, found %d", name, len(doc.Operations))
	}
	op := doc.Operations[0]
	if op.Name != name {
		return nil, fmt.Errorf("%s: operation is named %q", name, op.Name)
	}

	d := &Document{
		Name:      name,
		Source:    src,
		Operation: op.Operation,
		declared:  make(map[string]bool),
	}
	for _, v := range op.VariableDefinitions {
		d.declared[v.Variable] = true
		if v.Type.NonNull && v.DefaultValue == nil {
			d.required = append(d.required, v.Variable)
		}
	}
	return d, nil
}

// MustParseDocument is like ParseDocument but panics on error. It is meant
// for package-level document definitions.
func MustParseDocument(name, src string) *Document {
	d, err := ParseDocument(name, src)
	if err != nil {
		panic(err)
	}
	return d
}

// CheckVariables verifies vars supplies every required variable and nothing
// undeclared.
func (d *Document) CheckVariables(vars map[string]interface{}) error {
	for _, name := range d.required {
		v, ok := vars[name]
		if !ok || v == nil {
			return fmt.Errorf("%s: missing required variable $%s", d.Name, name)
		}
	}
	for name := range vars {
		if !d.declared[name] {
			return fmt.Errorf("%s: undeclared variable $%s", d.Name, name)
		}
	}
	return nil
}

// Authoring documents.
var (
	ItemByPath = MustParseDocument("ItemByPath", `
query ItemByPath($path: String!) {
  item(where: { database: "master", path: $path }) {
    itemId
    name
    path
  }
}`)

	SitePropertyID = MustParseDocument("SitePropertyID", `
query SitePropertyID($path: String!) {
  item(where: { database: "master", path: $path }) {
    name
    field(name: "PropertyID") {
      value
    }
  }
}`)

	CreateTemplateFolder = MustParseDocument("CreateTemplateFolder", `
mutation CreateTemplateFolder($name: String!, $parent: ID!) {
  createItemTemplateFolder(input: { name: $name, parent: $parent }) {
    item {
      name
      itemId
    }
  }
}`)

	CreateSettingsTemplate = MustParseDocument("CreateSettingsTemplate", `
mutation CreateSettingsTemplate($parent: ID!) {
  createItemTemplate(
    input: {
      name: "GoogleAnalyticsSiteSettings"
      parent: $parent
      icon: "Office/32x32/chart_line.png"
      sections: {
        name: "Google Settings"
        fields: [
          { name: "gTag", type: "Single-Line Text" }
          { name: "PropertyID", type: "Single-Line Text" }
        ]
      }
    }
  ) {
    itemTemplate {
      name
      templateId
    }
  }
}`)

	CreateSettingsItem = MustParseDocument("CreateSettingsItem", `
mutation CreateSettingsItem($templateId: ID!, $parent: ID!) {
  createItem(
    input: {
      name: "Google Analytics"
      templateId: $templateId
      parent: $parent
      language: "en"
      database: "master"
    }
  ) {
    item {
      itemId
      name
      path
    }
  }
}`)

	UpdatePropertyID = MustParseDocument("UpdatePropertyID", `
mutation UpdatePropertyID($path: String!, $value: String!) {
  updateItem(input: { path: $path, fields: [{ name: "PropertyID", value: $value }] }) {
    item {
      itemId
      name
      path
    }
  }
}`)
)

// Preview documents.
var (
	SiteSettingsChildren = MustParseDocument("SiteSettingsChildren", `
query SiteSettingsChildren($path: String!, $language: String!, $templateId: String!) {
  item(path: $path, language: $language) {
    id
    name
    children(includeTemplateIDs: [$templateId]) {
      results {
        id
        name
        field(name: "PropertyID") {
          name
          value
        }
      }
    }
  }
}`)
)

// Documents lists every document the module sends.
func Documents() []*Document {
	return []*Document{
		ItemByPath,
		SitePropertyID,
		CreateTemplateFolder,
		CreateSettingsTemplate,
		CreateSettingsItem,
		UpdatePropertyID,
		SiteSettingsChildren,
	}
}
