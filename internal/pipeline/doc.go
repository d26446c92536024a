// Package pipeline defines the data model shared by every pipeline component.
//
// A [Template] is a named, versioned, ordered list of [StageDefinition]
// values plus the [AgentSpec] describing the ephemeral environment its stages
// run in. Binding a template to a caller's [Configuration] produces a [Run],
// whose stage list is fixed from then on. A run moves through the states
// Pending, Provisioning and Running and ends in exactly one terminal state
// (Succeeded, Failed or Aborted), after which it is never modified again.
//
// Command units are structured argument lists rather than shell text.
// Placeholders of the form ${key} are substituted per argument element by
// the binder, so a value can never introduce extra arguments.
//
// The error taxonomy used across the repository lives in errors.go. Every
// error returned by the pipeline components wraps one of the sentinels
// declared there and can be tested with [errors.Is].
package pipeline
