// Package template stores named, versioned pipeline templates.
//
// A [Registry] holds write-once templates keyed by (name, version). Resolving
// without a version returns the most recently published version of a name.
// Resolution is safe for concurrent use and never waits on publication of an
// unrelated name. Templates handed out by the registry are deep copies, so
// callers cannot alter a published template.
//
// Templates are authored as YAML files and loaded with [LoadDir]. A registry
// may be backed by a [Persister] so that templates published at runtime
// survive a restart.
//
// Example usage:
//
//	reg := template.NewRegistry(store)
//
//	tpls, err := template.LoadDir("templates")
//	if err != nil {
//	    return err
//	}
//	if err := reg.Load(tpls...); err != nil {
//	    return err
//	}
//
//	tpl, err := reg.Resolve("container-release", "")
package template
