package template

import (
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/store"
)

var testPkg = store.Package{
	Name:       "zlib",
	Version:    "1.3.1",
	SourceType: store.SourceLocal,
	Source:     "/src/zlib",
}

var testDirs = Dirs{Workdir: "/work/b1", ArtifactDir: "/artifacts/b1"}

func TestRenderBuiltins(t *testing.T) {
	tpl := store.Template{
		Name: "make-build",
		Body: "cd {{.Workdir}} && make && cp {{.Name}}-{{.Version}}.tar.gz {{.ArtifactDir}}/",
	}

	out, err := Render(tpl, testPkg, nil, testDirs)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	want := "cd /work/b1 && make && cp zlib-1.3.1.tar.gz /artifacts/b1/"
	if out != want {
		t.Fatalf("rendered = %q, want %q", out, want)
	}
}

func TestRenderParams(t *testing.T) {
	tpl := store.Template{
		Name: "make-build",
		Body: "make {{.Params.target}} -j{{.Params.jobs}}",
		Params: []store.ParamSpec{
			{Name: "target", Required: true},
			{Name: "jobs", Default: "1"},
		},
	}

	out, err := Render(tpl, testPkg, map[string]string{"target": "install"}, testDirs)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "make install -j1" {
		t.Fatalf("rendered = %q", out)
	}

	out, err = Render(tpl, testPkg, map[string]string{"target": "all", "jobs": "4"}, testDirs)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "make all -j4" {
		t.Fatalf("rendered = %q", out)
	}
}

func TestRenderMissingRequiredParam(t *testing.T) {
	tpl := store.Template{
		Name:   "make-build",
		Body:   "make {{.Params.target}}",
		Params: []store.ParamSpec{{Name: "target", Required: true}},
	}

	_, err := Render(tpl, testPkg, nil, testDirs)
	if !errors.Is(err, ErrMissingParam) {
		t.Fatalf("err = %v, want ErrMissingParam", err)
	}
}

func TestRenderUnknownParam(t *testing.T) {
	tpl := store.Template{Name: "make-build", Body: "make"}

	_, err := Render(tpl, testPkg, map[string]string{"tagret": "all"}, testDirs)
	if !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("err = %v, want ErrUnknownParam", err)
	}
	if !strings.Contains(err.Error(), "tagret") {
		t.Fatalf("error should name the offending parameter: %v", err)
	}
}

func TestRenderUndefinedFieldFails(t *testing.T) {
	tpl := store.Template{Name: "bad", Body: "echo {{.Params.nope}}"}

	_, err := Render(tpl, testPkg, nil, testDirs)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("err = %v, want ErrRender", err)
	}
}

func TestRenderParseError(t *testing.T) {
	tpl := store.Template{Name: "bad", Body: "{{.Name"}

	_, err := Render(tpl, testPkg, nil, testDirs)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("err = %v, want ErrRender", err)
	}
}
