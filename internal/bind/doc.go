// Package bind turns a template and a caller configuration into a run.
//
// [ParseConfiguration] validates the raw option map a repository binding
// supplies. Unknown options, missing required options and out-of-range values
// fail with a [pipeline.ConfigError] naming the option. [Binder.Bind] then
// substitutes the configuration into every command unit of the template and
// returns a Pending [pipeline.Run] with a fresh identity.
//
// Substitution works on structured data. Each argument, environment value and
// path is substituted on its own, and substituted values are never scanned
// again, so configuration values cannot inject placeholders or arguments. A
// placeholder that names no known variable is a template defect and fails with
// a [pipeline.TemplateError].
package bind
