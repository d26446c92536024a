package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrConfig            = errors.New("configuration error")
	ErrTemplate          = errors.New("template error")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrVersionNotFound   = errors.New("template version not found")
	ErrDuplicateVersion  = errors.New("template version already published")
	ErrProvision         = errors.New("provisioning failed")
	ErrProvisionTimeout  = errors.New("provisioning timed out")
	ErrExecution         = errors.New("execution failed")
	ErrBuild             = errors.New("image build failed")
	ErrAuth              = errors.New("registry authentication failed")
	ErrPublish           = errors.New("image publish failed")
	ErrReport            = errors.New("status report failed")
	ErrCredentialMissing = errors.New("credential not found")
	ErrUnknownRepository = errors.New("no binding for repository")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrRunNotFound       = errors.New("run not found")
)

// Describes a caller-supplied configuration value that failed validation.
//
// Key names the offending configuration option so the caller can fix the
// binding without reading logs.
type ConfigError struct {
	Key    string // Configuration option that was rejected.
	Reason string // Human-readable explanation.
}

// Implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Key, e.Reason)
}

// Returns [ErrConfig].
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Describes a defect in a template, as opposed to a caller mistake.
type TemplateError struct {
	Template string // Template name and version, e.g. "release@1.0.0".
	Stage    string // Stage the defect was found in, if any.
	Reason   string // Human-readable explanation.
}

// Implements the error interface.
func (e *TemplateError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: stage %q: %s", ErrTemplate, e.Template, e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrTemplate, e.Template, e.Reason)
}

// Returns [ErrTemplate].
func (e *TemplateError) Unwrap() error {
	return ErrTemplate
}
