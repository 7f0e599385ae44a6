package commands

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gaplugin/pkg/config"
	"github.com/openfroyo/gaplugin/pkg/sites"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("1.2.3", "abc", "today")

	want := []string{"status", "install", "sites", "configure", "set-property", "watch", "serve", "history"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}

	for _, flag := range []string{"config", "verbose", "json"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
	if !strings.Contains(root.Version, "1.2.3") {
		t.Errorf("Version = %q", root.Version)
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "configure needs site", args: []string{"configure"}, wantErr: true},
		{name: "configure one site", args: []string{"configure", "site-1"}},
		{name: "set-property needs both", args: []string{"set-property", "site-1"}, wantErr: true},
		{name: "set-property", args: []string{"set-property", "site-1", "123"}},
		{name: "status takes none", args: []string{"status", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand("dev", "", "")
			cmd, args, err := root.Find(tt.args)
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			err = cmd.ValidateArgs(args)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	err := table(&buf, []string{"ID", "NAME"}, [][]string{{"1", "Alpha"}, {"22", "B"}})
	if err != nil {
		t.Fatalf("table() error = %v", err)
	}
	want := "ID  NAME\n1   Alpha\n22  B\n"
	if buf.String() != want {
		t.Errorf("table() =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestPrintSiteInfo(t *testing.T) {
	info := sites.GaSiteInfo{ID: "s1", Name: "Alpha", PropertyID: "123", Path: "/home"}

	tests := []struct {
		name string
		json bool
		info sites.GaSiteInfo
		want string
	}{
		{name: "text", info: info, want: "s1  Alpha  property=\"123\"  path=/home\n"},
		{name: "sentinel", info: sites.InvalidGaSiteInfo(), want: "Site not configured\n"},
		{name: "json", json: true, info: info, want: `{"id":"s1","name":"Alpha","propertyId":"123","path":"/home"}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonOutput = tt.json
			t.Cleanup(func() { jsonOutput = false })

			var buf bytes.Buffer
			if err := printSiteInfo(&buf, tt.info); err != nil {
				t.Fatalf("printSiteInfo() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("printSiteInfo() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestRenderJSON(t *testing.T) {
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })

	var buf bytes.Buffer
	called := false
	err := render(&buf, map[string]bool{"installed": true}, func(w io.Writer) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("render() error = %v", err)
	}
	if called {
		t.Error("text renderer called in JSON mode")
	}
	if strings.TrimSpace(buf.String()) != "{\n  \"installed\": true\n}" {
		t.Errorf("render() = %q", buf.String())
	}
}

func TestCommandOutputAvoidsStdioBridge(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		wantStderr bool
	}{
		{name: "stdio bridge", address: "", wantStderr: true},
		{name: "tcp bridge", address: "127.0.0.1:7400", wantStderr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			cmd := &cobra.Command{Use: "status"}
			cmd.SetOut(&stdout)
			cmd.SetErr(&stderr)

			cfg := config.Default()
			cfg.Host.Address = tt.address
			commandOutput(cmd, cfg)

			if err := render(cmd.OutOrStdout(), nil, func(w io.Writer) error {
				_, err := io.WriteString(w, "installed: yes\n")
				return err
			}); err != nil {
				t.Fatalf("render() error = %v", err)
			}

			got := stdout.String()
			if tt.wantStderr {
				got = stderr.String()
				if stdout.Len() != 0 {
					t.Errorf("stdout = %q, want nothing while the bridge owns it", stdout.String())
				}
			}
			if got != "installed: yes\n" {
				t.Errorf("output = %q, want %q", got, "installed: yes\n")
			}
		})
	}
}
