// Package template renders stored build-script templates.
//
// A template body is Go text/template syntax. Before rendering, the caller's
// parameters are validated against the template's declared parameter schema:
// required parameters must be present, parameters the schema does not declare
// are rejected, and optional parameters fall back to their defaults.
//
// Every template sees the same built-in fields (package name, version,
// source, working directory, artifact directory) plus its validated
// parameters under .Params. Referencing an undefined field is a render
// error, not an empty string: a recipe with a hole in it must never reach
// a build engine.
package template
