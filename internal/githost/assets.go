// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

// Asset kinds resolvable from a repo's .lazyaf/ tree.
const (
	AssetKindAgents    = "agents"
	AssetKindPipelines = "pipelines"

	assetTreePrefix = ".lazyaf"
)

var assetNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// RepoAsset is a file read from a repo's .lazyaf/ tree at a branch tip,
// without a working copy. Repo-defined assets shadow platform assets of
// the same name.
type RepoAsset struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Branch  string `json:"branch"`
	Content string `json:"content"`
}

func validateAssetKind(kind string) error {
	if kind != AssetKindAgents && kind != AssetKindPipelines {
		return fmt.Errorf("unknown asset kind: %q", kind)
	}
	return nil
}

func validateAssetName(name string) error {
	if name == "" {
		return fmt.Errorf("asset name cannot be empty")
	}
	if !assetNameRegex.MatchString(name) {
		return fmt.Errorf("asset name contains invalid characters: %s", name)
	}
	return nil
}

// ReadAsset resolves .lazyaf/<kind>/<name> at the given ref (default
// branch when empty). A missing asset returns (nil, nil) so callers can
// fall back to the platform-scope asset of the same name.
func (s *Service) ReadAsset(ctx context.Context, repoID, ref, kind, name string) (*RepoAsset, error) {
	if err := validateAssetKind(kind); err != nil {
		return nil, common.NewClientInputError("%v", err)
	}
	if err := validateAssetName(name); err != nil {
		return nil, common.NewClientInputError("%v", err)
	}
	if ref == "" {
		ref = s.defaultBranch
	}

	content, err := s.ReadFile(ctx, repoID, ref, assetTreePrefix+"/"+kind+"/"+name)
	if err != nil {
		if common.KindOfError(err) == common.KindResourceUnavailable {
			return nil, nil
		}
		return nil, err
	}
	return &RepoAsset{Name: name, Kind: kind, Branch: ref, Content: content}, nil
}

// ListAssets returns the asset names of one kind at the given ref. An
// absent .lazyaf/<kind>/ tree is an empty list, not an error.
func (s *Service) ListAssets(ctx context.Context, repoID, ref, kind string) ([]string, error) {
	if err := validateAssetKind(kind); err != nil {
		return nil, common.NewClientInputError("%v", err)
	}
	if ref == "" {
		ref = s.defaultBranch
	}

	paths, err := s.ListTree(ctx, repoID, ref, assetTreePrefix+"/"+kind)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimPrefix(p, assetTreePrefix+"/"+kind+"/")
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	return names, nil
}

// pipelineAssetDoc is the YAML shape of a .lazyaf/pipelines/<name> file.
type pipelineAssetDoc struct {
	Name  string `yaml:"name"`
	Steps []struct {
		StepID            string `yaml:"step_id"`
		Name              string `yaml:"name"`
		Kind              string `yaml:"kind"`
		RunnerType        string `yaml:"runner_type"`
		ContinueInContext bool   `yaml:"continue_in_context"`
		OnSuccess         string `yaml:"on_success"`
		OnFailure         string `yaml:"on_failure"`
		TimeoutSeconds    int    `yaml:"timeout_seconds"`

		Agent *struct {
			Prompt     string   `yaml:"prompt"`
			AgentFiles []string `yaml:"agent_files"`
		} `yaml:"agent"`
		Script *struct {
			Command string `yaml:"command"`
			Workdir string `yaml:"workdir"`
		} `yaml:"script"`
		Container *struct {
			Image   string            `yaml:"image"`
			Command string            `yaml:"command"`
			Env     map[string]string `yaml:"env"`
			Volumes []string          `yaml:"volumes"`
		} `yaml:"container"`
	} `yaml:"steps"`
	Triggers []struct {
		Type       string   `yaml:"type"`
		CardStatus string   `yaml:"card_status"`
		Branches   []string `yaml:"branches"`
		OnPass     string   `yaml:"on_pass"`
		OnFail     string   `yaml:"on_fail"`
	} `yaml:"triggers"`
}

// ParsePipelineAsset parses a repo-defined pipeline into a validated
// definition. ID and RepoID are the caller's to assign.
func ParsePipelineAsset(asset *RepoAsset) (*models.Pipeline, error) {
	var doc pipelineAssetDoc
	if err := yaml.Unmarshal([]byte(asset.Content), &doc); err != nil {
		return nil, common.NewClientInputError("invalid pipeline asset %s: %v", asset.Name, err)
	}

	name := doc.Name
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSuffix(asset.Name, ".yml"), ".yaml")
	}

	pipeline := &models.Pipeline{Name: name}
	for _, step := range doc.Steps {
		def := models.StepDefinition{
			StepID:            step.StepID,
			Name:              step.Name,
			Kind:              models.StepKind(step.Kind),
			RunnerType:        step.RunnerType,
			ContinueInContext: step.ContinueInContext,
			OnSuccess:         step.OnSuccess,
			OnFailure:         step.OnFailure,
			TimeoutSeconds:    step.TimeoutSeconds,
		}
		if step.Agent != nil {
			def.Config.Agent = &models.AgentStepConfig{Prompt: step.Agent.Prompt, AgentFiles: step.Agent.AgentFiles}
		}
		if step.Script != nil {
			def.Config.Script = &models.ScriptStepConfig{Command: step.Script.Command, Workdir: step.Script.Workdir}
		}
		if step.Container != nil {
			def.Config.Container = &models.ContainerStepConfig{
				Image:   step.Container.Image,
				Command: step.Container.Command,
				Env:     step.Container.Env,
				Volumes: step.Container.Volumes,
			}
		}
		pipeline.Steps = append(pipeline.Steps, def)
	}
	for _, trig := range doc.Triggers {
		pipeline.Triggers = append(pipeline.Triggers, models.TriggerDefinition{
			Type:       trig.Type,
			CardStatus: trig.CardStatus,
			Branches:   trig.Branches,
			OnPass:     trig.OnPass,
			OnFail:     trig.OnFail,
		})
	}

	if err := pipeline.Validate(); err != nil {
		return nil, common.NewClientInputError("invalid pipeline asset %s: %v", asset.Name, err)
	}
	return pipeline, nil
}
