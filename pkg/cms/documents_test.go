package cms

import (
	"errors"
	"strings"
	"testing"

	"github.com/vektah/gqlparser/v2/ast"
)

func TestDocumentsParse(t *testing.T) {
	seen := make(map[string]bool)
	for _, d := range Documents() {
		if d == nil {
			t.Fatal("Documents() returned a nil document")
		}
		if seen[d.Name] {
			t.Errorf("document %s listed twice", d.Name)
		}
		seen[d.Name] = true
		if strings.TrimSpace(d.Source) == "" {
			t.Errorf("document %s has no source", d.Name)
		}
	}
	if len(seen) != 7 {
		t.Errorf("Documents() returned %d documents, want 7", len(seen))
	}

	mutations := map[string]bool{
		"CreateTemplateFolder":   true,
		"CreateSettingsTemplate": true,
		"CreateSettingsItem":     true,
		"UpdatePropertyID":       true,
	}
	for _, d := range Documents() {
		want := ast.Query
		if mutations[d.Name] {
			want = ast.Mutation
		}
		if d.Operation != want {
			t.Errorf("%s operation = %s, want %s", d.Name, d.Operation, want)
		}
	}
}

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		docName string
		src     string
		wantErr string
	}{
		{
			name:    "valid query",
			docName: "Q",
			src:     `query Q($a: String!) { item(path: $a) { name } }`,
		},
		{
			name:    "syntax error",
			docName: "Q",
			src:     `query Q( { }`,
			wantErr: "failed to parse",
		},
		{
			name:    "two operations",
			docName: "Q",
			src:     `query Q { a } query R { b }`,
			wantErr: "expected one operation",
		},
		{
			name:    "name mismatch",
			docName: "Q",
			src:     `query R { a }`,
			wantErr: `operation is named "R"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument(tt.docName, tt.src)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ParseDocument() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseDocument() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMustParseDocumentPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParseDocument() did not panic on an invalid document")
		}
	}()
	MustParseDocument("Broken", "query {")
}

func TestCheckVariables(t *testing.T) {
	tests := []struct {
		name    string
		doc     *Document
		vars    map[string]interface{}
		wantErr bool
	}{
		{
			name: "all required present",
			doc:  CreateTemplateFolder,
			vars: map[string]interface{}{"name": TemplateFolderName, "parent": TemplateFolderParent},
		},
		{
			name:    "missing required",
			doc:     CreateTemplateFolder,
			vars:    map[string]interface{}{"name": TemplateFolderName},
			wantErr: true,
		},
		{
			name:    "nil required value",
			doc:     ItemByPath,
			vars:    map[string]interface{}{"path": nil},
			wantErr: true,
		},
		{
			name:    "undeclared variable",
			doc:     ItemByPath,
			vars:    map[string]interface{}{"path": "/x", "extra": 1},
			wantErr: true,
		},
		{
			name: "preview children",
			doc:  SiteSettingsChildren,
			vars: map[string]interface{}{"path": "/sitecore/content/c/s/Settings", "language": "en", "templateId": "{T}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.CheckVariables(tt.vars)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckVariables() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	errBoom := errors.New("boom")
	wrapped := NewError(KindTransport, "ItemByPath", "host call failed", errBoom)

	if !IsKind(wrapped, KindTransport) {
		t.Error("IsKind(transport) = false, want true")
	}
	if IsKind(wrapped, KindRemote) {
		t.Error("IsKind(remote) = true, want false")
	}
	if got := KindOf(errBoom); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}

	ctxErr := NewError(KindContextUnavailable, "ListSites", "no context", nil)
	if !errors.Is(ctxErr, ErrContextUnavailable) {
		t.Error("errors.Is(context error, ErrContextUnavailable) = false, want true")
	}
	if errors.Is(wrapped, ErrContextUnavailable) {
		t.Error("errors.Is(transport error, ErrContextUnavailable) = true, want false")
	}
	if !errors.Is(wrapped, errBoom) {
		t.Error("errors.Is(wrapped, cause) = false, want true")
	}

	want := "[transport] host call failed (op=ItemByPath): boom"
	if got := wrapped.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
