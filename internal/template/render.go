package template

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/store"
)

// Directories a rendered script operates in.
type Dirs struct {
	Workdir     string // Staged source tree the script runs against.
	ArtifactDir string // Directory the script writes artifacts into.
}

// Fields exposed to every template body.
type Context struct {
	Name        string            // Package name.
	Version     string            // Package version.
	Source      string            // Package source location.
	SourceType  string            // Package source type (deb, pypi, local, ...).
	Workdir     string            // Staged source tree.
	ArtifactDir string            // Artifact output directory.
	Params      map[string]string // Validated template parameters.
}

// Validates params against the template's schema and renders the body.
//
// The returned string is the concrete build script handed to an engine.
func Render(tpl store.Template, pkg store.Package, params map[string]string, dirs Dirs) (string, error) {
	resolved, err := resolveParams(tpl.Params, params)
	if err != nil {
		return "", err
	}

	parsed, err := template.New(tpl.Name).Option("missingkey=error").Parse(tpl.Body)
	if err != nil {
		return "", errors.Wrapf(ErrRender, "parsing %s v%d: %v", tpl.Name, tpl.Version, err)
	}

	var out strings.Builder
	err = parsed.Execute(&out, Context{
		Name:        pkg.Name,
		Version:     pkg.Version,
		Source:      pkg.Source,
		SourceType:  string(pkg.SourceType),
		Workdir:     dirs.Workdir,
		ArtifactDir: dirs.ArtifactDir,
		Params:      resolved,
	})
	if err != nil {
		return "", errors.Wrapf(ErrRender, "executing %s v%d: %v", tpl.Name, tpl.Version, err)
	}

	return out.String(), nil
}

// Checks the supplied parameters against the schema and fills defaults.
//
// Required parameters must be supplied. Parameters not declared by the
// schema are rejected so typos surface at submission instead of silently
// rendering a default.
func resolveParams(schema []store.ParamSpec, supplied map[string]string) (map[string]string, error) {
	declared := make(map[string]store.ParamSpec, len(schema))
	for _, spec := range schema {
		declared[spec.Name] = spec
	}

	for name := range supplied {
		if _, ok := declared[name]; !ok {
			return nil, errors.Wrapf(ErrUnknownParam, "%q", name)
		}
	}

	resolved := make(map[string]string, len(schema))
	for _, spec := range schema {
		if v, ok := supplied[spec.Name]; ok {
			resolved[spec.Name] = v
			continue
		}
		if spec.Required {
			return nil, errors.Wrapf(ErrMissingParam, "%q", spec.Name)
		}
		resolved[spec.Name] = spec.Default
	}

	return resolved, nil
}
