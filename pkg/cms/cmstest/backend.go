// Package cmstest provides an in-memory CMS that answers the module's
// GraphQL documents through a bridgetest.Host.
package cmstest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/openfroyo/gaplugin/pkg/bridge/bridgetest"
	"github.com/openfroyo/gaplugin/pkg/bridge/protocol"
	"github.com/openfroyo/gaplugin/pkg/cms"
	"github.com/openfroyo/gaplugin/pkg/host"
)

// Item is a CMS item.
type Item struct {
	ID         string
	Name       string
	Path       string
	TemplateID string
	Fields     map[string]*string
}

// Site is a listed site.
type Site struct {
	ID       string
	Name     string
	RootPath string
}

// Backend is an in-memory CMS.
type Backend struct {
	// ContextID is the preview context id served in application.context.
	// Empty means the host reports no usable context.
	ContextID string

	mu       sync.Mutex
	items    map[string]*Item // by path
	byID     map[string]*Item
	sites    []Site
	nextID   int
	calls    map[string]int
	failures map[string]error
	gqlErrs  map[string]string
	partial  map[string]string
	contexts map[string][]string
}

// NewBackend creates a CMS holding only the template folder parent.
func NewBackend() *Backend {
	b := &Backend{
		ContextID: "ctx-preview",
		items:     make(map[string]*Item),
		byID:      make(map[string]*Item),
		calls:     make(map[string]int),
		failures:  make(map[string]error),
		gqlErrs:   make(map[string]string),
		partial:   make(map[string]string),
		contexts:  make(map[string][]string),
	}
	b.put(&Item{ID: cms.TemplateFolderParent, Name: "Modules", Path: "/sitecore/templates/Modules"})
	return b
}

// Register installs the backend's handlers on h.
func (b *Backend) Register(h *bridgetest.Host) {
	h.Handle(host.OperationApplicationContext, b.applicationContext)
	h.Handle(cms.OperationListSites, b.listSites)
	h.Handle(string(cms.Authoring), b.graphql)
	h.Handle(string(cms.Preview), b.graphql)
}

// AddItem stores an item and returns it.
func (b *Backend) AddItem(item *Item) *Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	if item.ID == "" {
		item.ID = b.newID()
	}
	if item.Name == "" {
		item.Name = path.Base(item.Path)
	}
	b.put(item)
	return item
}

// Item returns the item at p, or nil.
func (b *Backend) Item(p string) *Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items[p]
}

// AddSite lists a site and creates its Settings folder.
func (b *Backend) AddSite(site Site) {
	b.mu.Lock()
	b.sites = append(b.sites, site)
	b.mu.Unlock()
	b.AddItem(&Item{Path: site.RootPath + "/" + cms.SettingsFolder})
}

// InstallTemplate creates the settings template as a completed install would.
func (b *Backend) InstallTemplate() *Item {
	b.AddItem(&Item{Path: path.Dir(cms.SettingsTemplatePath)})
	return b.AddItem(&Item{Path: cms.SettingsTemplatePath})
}

// ConfigureSite creates the site's settings item holding value (nil for a
// null field).
func (b *Backend) ConfigureSite(rootPath string, value *string) *Item {
	tmpl := b.Item(cms.SettingsTemplatePath)
	templateID := ""
	if tmpl != nil {
		templateID = tmpl.ID
	}
	return b.AddItem(&Item{
		Path:       rootPath + "/" + cms.SettingsSubPath,
		TemplateID: templateID,
		Fields:     map[string]*string{cms.PropertyIDField: value},
	})
}

// Fail makes the named operation fail at the transport level.
func (b *Backend) Fail(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[operation] = err
}

// FailGraphQL makes the named operation return message as a GraphQL error
// with no data.
func (b *Backend) FailGraphQL(operation, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gqlErrs[operation] = message
}

// PartialGraphQL makes the named operation report message as a GraphQL
// error alongside its normal data.
func (b *Backend) PartialGraphQL(operation, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial[operation] = message
}

// Calls returns how often the named operation ran.
func (b *Backend) Calls(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[operation]
}

// ContextIDs returns the context ids sent with the named operation.
func (b *Backend) ContextIDs(operation string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.contexts[operation]...)
}

func (b *Backend) put(item *Item) {
	b.items[item.Path] = item
	b.byID[item.ID] = item
}

func (b *Backend) newID() string {
	b.nextID++
	return fmt.Sprintf("{00000000-0000-0000-0000-%012d}", b.nextID)
}

func (b *Backend) applicationContext(*protocol.RequestMessage) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[host.OperationApplicationContext]++
	return host.ApplicationContext{
		ID:   "app",
		Name: "Google Analytics",
		Resources: []host.Resource{{
			ResourceID: "xmcloud",
			Context:    host.ResourceContext{Live: "ctx-live", Preview: b.ContextID},
		}},
	}, nil
}

type siteProperties struct {
	RootPath string `json:"rootPath"`
}

type listedSite struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Properties siteProperties `json:"properties"`
}

func (b *Backend) listSites(*protocol.RequestMessage) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["listSites"]++
	if err := b.failures["listSites"]; err != nil {
		return nil, err
	}
	out := make([]listedSite, 0, len(b.sites))
	for _, s := range b.sites {
		out = append(out, listedSite{ID: s.ID, Name: s.Name, Properties: siteProperties{RootPath: s.RootPath}})
	}
	return map[string]interface{}{"data": out}, nil
}

type graphqlParams struct {
	Query struct {
		SitecoreContextID string `json:"sitecoreContextId"`
	} `json:"query"`
	Body struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	} `json:"body"`
}

func (b *Backend) graphql(req *protocol.RequestMessage) (interface{}, error) {
	var params graphqlParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: params.Body.Query})
	if err != nil {
		return nil, fmt.Errorf("invalid document: %v", err)
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("expected one operation")
	}
	name := doc.Operations[0].Name
	vars := params.Body.Variables

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	b.contexts[name] = append(b.contexts[name], params.Query.SitecoreContextID)

	if err := b.failures[name]; err != nil {
		return nil, err
	}
	if msg, ok := b.gqlErrs[name]; ok {
		return gqlResponse(nil, msg), nil
	}

	var data interface{}
	switch name {
	case "ItemByPath":
		data = map[string]interface{}{"item": b.itemRef(str(vars["path"]))}
	case "SitePropertyID":
		data = map[string]interface{}{"item": b.propertyItem(str(vars["path"]))}
	case "CreateTemplateFolder":
		data = map[string]interface{}{"createItemTemplateFolder": b.createChild(str(vars["parent"]), str(vars["name"]), "", nil)}
	case "CreateSettingsTemplate":
		created := b.createChild(str(vars["parent"]), path.Base(cms.SettingsTemplatePath), "", nil)
		if created == nil {
			data = map[string]interface{}{"createItemTemplate": nil}
		} else {
			item := created["item"].(map[string]interface{})
			data = map[string]interface{}{"createItemTemplate": map[string]interface{}{
				"itemTemplate": map[string]interface{}{"name": item["name"], "templateId": item["itemId"]},
			}}
		}
	case "CreateSettingsItem":
		empty := ""
		data = map[string]interface{}{"createItem": b.createChild(str(vars["parent"]), "Google Analytics", str(vars["templateId"]),
			map[string]*string{cms.PropertyIDField: &empty})}
	case "UpdatePropertyID":
		item := b.items[str(vars["path"])]
		if item == nil {
			return gqlResponse(map[string]interface{}{"updateItem": nil}, "Item not found"), nil
		}
		value := str(vars["value"])
		if item.Fields == nil {
			item.Fields = make(map[string]*string)
		}
		item.Fields[cms.PropertyIDField] = &value
		data = map[string]interface{}{"updateItem": map[string]interface{}{"item": ref(item)}}
	case "SiteSettingsChildren":
		data = map[string]interface{}{"item": b.settingsChildren(str(vars["path"]), str(vars["templateId"]))}
	default:
		return nil, fmt.Errorf("unknown operation %s", name)
	}

	return gqlResponse(data, b.partial[name]), nil
}

func (b *Backend) itemRef(p string) interface{} {
	item := b.items[p]
	if item == nil {
		return nil
	}
	return ref(item)
}

func (b *Backend) propertyItem(p string) interface{} {
	item := b.items[p]
	if item == nil {
		return nil
	}
	out := map[string]interface{}{"name": item.Name, "field": nil}
	if v, ok := item.Fields[cms.PropertyIDField]; ok {
		out["field"] = map[string]interface{}{"value": v}
	}
	return out
}

func (b *Backend) createChild(parentID, name, templateID string, fields map[string]*string) map[string]interface{} {
	parent := b.byID[parentID]
	if parent == nil || name == "" {
		return nil
	}
	item := &Item{
		ID:         b.newID(),
		Name:       name,
		Path:       parent.Path + "/" + name,
		TemplateID: templateID,
		Fields:     fields,
	}
	b.put(item)
	return map[string]interface{}{"item": ref(item)}
}

func (b *Backend) settingsChildren(p, templateID string) interface{} {
	parent := b.items[p]
	if parent == nil {
		return nil
	}
	results := []interface{}{}
	prefix := p + "/"
	for childPath, item := range b.items {
		if !strings.HasPrefix(childPath, prefix) || strings.Contains(childPath[len(prefix):], "/") {
			continue
		}
		if item.TemplateID != templateID {
			continue
		}
		var field interface{}
		if v, ok := item.Fields[cms.PropertyIDField]; ok {
			field = map[string]interface{}{"name": cms.PropertyIDField, "value": v}
		}
		results = append(results, map[string]interface{}{"id": item.ID, "name": item.Name, "field": field})
	}
	return map[string]interface{}{
		"id":       parent.ID,
		"name":     parent.Name,
		"children": map[string]interface{}{"results": results},
	}
}

func ref(item *Item) map[string]interface{} {
	return map[string]interface{}{"itemId": item.ID, "name": item.Name, "path": item.Path}
}

func gqlResponse(data interface{}, errMsg string) map[string]interface{} {
	inner := map[string]interface{}{"data": data}
	if errMsg != "" {
		inner["errors"] = []map[string]interface{}{{"message": errMsg}}
	}
	return map[string]interface{}{"data": inner}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
