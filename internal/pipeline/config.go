package pipeline

import (
	"slices"
	"strconv"
)

// Default Dockerfile path used when the caller does not set one.
const DefaultDockerfilePath = "./Dockerfile"

// Recognized configuration option names.
const (
	KeyImageName              = "imageName"
	KeyImageTag               = "imageTag"
	KeyPort                   = "port"
	KeyDockerfilePath         = "dockerfilePath"
	KeyRepoURL                = "repoUrl"
	KeyContinueOnStageFailure = "continueOnStageFailure"
)

// Caller-supplied parameters bound into a template.
type Configuration struct {
	ImageName              string   `json:"imageName"`
	ImageTag               string   `json:"imageTag"`
	Port                   int      `json:"port"`
	DockerfilePath         string   `json:"dockerfilePath"`
	RepoURL                string   `json:"repoUrl"`
	ContinueOnStageFailure []string `json:"continueOnStageFailure,omitempty"`
}

// Reports whether a failure of the named stage lets the run continue.
func (c Configuration) Continues(stage string) bool {
	return slices.Contains(c.ContinueOnStageFailure, stage)
}

// Returns the substitution variables contributed by the configuration.
func (c Configuration) Vars() map[string]string {
	return map[string]string{
		KeyImageName:      c.ImageName,
		KeyImageTag:       c.ImageTag,
		KeyPort:           strconv.Itoa(c.Port),
		KeyDockerfilePath: c.DockerfilePath,
		KeyRepoURL:        c.RepoURL,
	}
}
