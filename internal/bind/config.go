package bind

import (
	"fmt"
	"math"
	"slices"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Options that must be present in every configuration.
var required = []string{
	pipeline.KeyImageName,
	pipeline.KeyImageTag,
	pipeline.KeyPort,
	pipeline.KeyRepoURL,
}

// Every recognized option.
var recognized = []string{
	pipeline.KeyImageName,
	pipeline.KeyImageTag,
	pipeline.KeyPort,
	pipeline.KeyDockerfilePath,
	pipeline.KeyRepoURL,
	pipeline.KeyContinueOnStageFailure,
}

// Validates a raw option map and converts it to a [pipeline.Configuration].
//
// Unrecognized keys are reported first, then missing required keys, then
// type and range errors. Keys are checked in sorted order so the same input
// always reports the same key.
func ParseConfiguration(raw map[string]any) (pipeline.Configuration, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if !slices.Contains(recognized, k) {
			return pipeline.Configuration{}, &pipeline.ConfigError{Key: k, Reason: "unrecognized option"}
		}
	}
	for _, k := range required {
		if _, ok := raw[k]; !ok {
			return pipeline.Configuration{}, &pipeline.ConfigError{Key: k, Reason: "required option is missing"}
		}
	}

	cfg := pipeline.Configuration{DockerfilePath: pipeline.DefaultDockerfilePath}
	var err error

	if cfg.ImageName, err = stringOption(raw, pipeline.KeyImageName); err != nil {
		return pipeline.Configuration{}, err
	}
	if cfg.ImageTag, err = stringOption(raw, pipeline.KeyImageTag); err != nil {
		return pipeline.Configuration{}, err
	}
	if cfg.RepoURL, err = stringOption(raw, pipeline.KeyRepoURL); err != nil {
		return pipeline.Configuration{}, err
	}
	if cfg.Port, err = portOption(raw); err != nil {
		return pipeline.Configuration{}, err
	}
	if _, ok := raw[pipeline.KeyDockerfilePath]; ok {
		if cfg.DockerfilePath, err = stringOption(raw, pipeline.KeyDockerfilePath); err != nil {
			return pipeline.Configuration{}, err
		}
	}
	if cfg.ContinueOnStageFailure, err = stageSetOption(raw); err != nil {
		return pipeline.Configuration{}, err
	}

	return cfg, nil
}

// Returns a non-empty string option.
func stringOption(raw map[string]any, key string) (string, error) {
	s, ok := raw[key].(string)
	if !ok {
		return "", &pipeline.ConfigError{Key: key, Reason: fmt.Sprintf("must be a string, got %T", raw[key])}
	}
	if s == "" {
		return "", &pipeline.ConfigError{Key: key, Reason: "must not be empty"}
	}
	return s, nil
}

// Returns the port option as an integer in 1..65535.
//
// Decoders produce different numeric types for the same document (YAML gives
// int, JSON gives float64), so any integral number is accepted.
func portOption(raw map[string]any) (int, error) {
	var port int64
	switch v := raw[pipeline.KeyPort].(type) {
	case int:
		port = int64(v)
	case int32:
		port = int64(v)
	case int64:
		port = v
	case uint64:
		if v > math.MaxInt32 {
			port = math.MaxInt32
		} else {
			port = int64(v)
		}
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, &pipeline.ConfigError{Key: pipeline.KeyPort, Reason: "must be an integer"}
		}
		port = int64(math.Max(math.Min(v, math.MaxInt32), math.MinInt32))
	default:
		return 0, &pipeline.ConfigError{Key: pipeline.KeyPort, Reason: fmt.Sprintf("must be an integer, got %T", v)}
	}

	if port < 1 || port > 65535 {
		return 0, &pipeline.ConfigError{Key: pipeline.KeyPort, Reason: fmt.Sprintf("%d is outside 1-65535", port)}
	}
	return int(port), nil
}

// Returns the sorted, de-duplicated continueOnStageFailure set.
func stageSetOption(raw map[string]any) ([]string, error) {
	v, ok := raw[pipeline.KeyContinueOnStageFailure]
	if !ok || v == nil {
		return nil, nil
	}

	var names []string
	switch list := v.(type) {
	case []string:
		names = slices.Clone(list)
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &pipeline.ConfigError{Key: pipeline.KeyContinueOnStageFailure, Reason: "entries must be stage names"}
			}
			names = append(names, s)
		}
	default:
		return nil, &pipeline.ConfigError{Key: pipeline.KeyContinueOnStageFailure, Reason: fmt.Sprintf("must be a list of stage names, got %T", v)}
	}
	if slices.Contains(names, "") {
		return nil, &pipeline.ConfigError{Key: pipeline.KeyContinueOnStageFailure, Reason: "entries must be stage names"}
	}

	slices.Sort(names)
	return slices.Compact(names), nil
}
