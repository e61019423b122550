// Package validator statically validates workflow definitions before any
// side effect: JSON Schema first, then import loading, reference resolution,
// and state-machine graph checks. Results are collected into a Report whose
// exit code identifies the first failing phase.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentfile"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/skills"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

// Exit codes identify the first failing validation phase.
const (
	ExitOK         = 0
	ExitSchema     = 1
	ExitReferences = 2
	ExitGraph      = 3
	ExitOther      = 4
)

type (
	// Report is the structured result of one validation run.
	Report struct {
		SchemaErrors []SchemaError `json:"schema_errors,omitempty"`
		Resolution   Resolution    `json:"resolution"`
		Graph        GraphReport   `json:"graph"`
		Errors       []string      `json:"errors,omitempty"`
		ExitCode     int           `json:"exit_code"`
	}

	// SchemaError is one JSON Schema violation with its instance path.
	SchemaError struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}

	// Resolution reports import loading and reference resolution.
	Resolution struct {
		AFImportsLoaded     int                 `json:"af_imports_loaded"`
		SkillImportsLoaded  int                 `json:"skill_imports_loaded"`
		AgentsIndexSize     int                 `json:"agents_index_size"`
		SkillsIndexSize     int                 `json:"skills_index_size"`
		UnresolvedAgentRefs []string            `json:"unresolved_agent_refs,omitempty"`
		UnresolvedSkillIDs  []string            `json:"unresolved_skill_ids,omitempty"`
		StateSkillMap       map[string][]string `json:"state_skill_map,omitempty"`
		Errors              []string            `json:"errors,omitempty"`
	}

	// GraphReport reports state-machine structure problems. Unreachable
	// states are warnings and do not affect the exit code.
	GraphReport struct {
		Errors      []string `json:"errors,omitempty"`
		Unreachable []string `json:"unreachable,omitempty"`
	}

	// Options configures a Validator.
	Options struct {
		// BaseDir anchors relative import URIs. Empty means the process
		// working directory.
		BaseDir string
		// WorkflowSchema overrides the embedded workflow definition schema.
		WorkflowSchema []byte
		// ManifestSchema overrides the embedded skill manifest schema.
		ManifestSchema []byte
	}

	// Validator validates workflow definitions.
	Validator struct {
		baseDir        string
		workflowSchema *jsonschema.Schema
		manifestSchema *jsonschema.Schema
	}
)

// New compiles the schemas and returns a ready Validator.
func New(opts Options) (*Validator, error) {
	wf := opts.WorkflowSchema
	if wf == nil {
		wf = workflowSchemaJSON
	}
	mf := opts.ManifestSchema
	if mf == nil {
		mf = manifestSchemaJSON
	}
	wfSchema, err := compileSchema("workflow-definition.json", wf)
	if err != nil {
		return nil, fmt.Errorf("validator: workflow schema: %w", err)
	}
	mfSchema, err := compileSchema("skill-manifest.json", mf)
	if err != nil {
		return nil, fmt.Errorf("validator: manifest schema: %w", err)
	}
	return &Validator{
		baseDir:        opts.BaseDir,
		workflowSchema: wfSchema,
		manifestSchema: mfSchema,
	}, nil
}

// Validate runs all phases against the raw definition document and returns
// the report. The report is always complete up to the first failing phase.
func (v *Validator) Validate(raw json.RawMessage) *Report {
	report := &Report{}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("definition is not valid JSON: %v", err))
		report.ExitCode = ExitOther
		return report
	}

	// Phase 1: JSON Schema.
	if err := v.workflowSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			report.Errors = append(report.Errors, err.Error())
			report.ExitCode = ExitOther
			return report
		}
		report.SchemaErrors = flattenSchemaError(ve)
		report.ExitCode = ExitSchema
		return report
	}

	def, err := workflow.Parse(raw)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.ExitCode = ExitOther
		return report
	}

	// Phase 2: imports-only policy.
	if embedsEntities(def.AFEntities) {
		report.Resolution.Errors = append(report.Resolution.Errors,
			"af_v2_entities must be supplied through af_imports, not embedded in the definition")
		report.ExitCode = ExitReferences
		return report
	}

	// Phase 3: agent bundle loading.
	agents := agentfile.NewIndex()
	for _, im := range def.AFImports {
		path, err := im.Resolve(v.baseDir)
		if err != nil {
			report.Resolution.Errors = append(report.Resolution.Errors, err.Error())
			continue
		}
		bundle, err := agentfile.LoadFile(path)
		if err != nil {
			report.Resolution.Errors = append(report.Resolution.Errors, err.Error())
			continue
		}
		agents.Add(bundle)
		report.Resolution.AFImportsLoaded++
	}
	for i, inline := range def.Agents {
		a, err := agentfile.ParseAgent(inline.AgentConfig)
		if err != nil {
			report.Resolution.Errors = append(report.Resolution.Errors,
				fmt.Sprintf("agents[%d]: %v", i, err))
			continue
		}
		agents.AddAgent(a)
	}
	report.Resolution.AgentsIndexSize = agents.Size()

	// Phase 4: skill manifest loading.
	skillIndex := skills.NewIndex()
	for _, im := range def.SkillImports {
		path, err := im.Resolve(v.baseDir)
		if err != nil {
			report.Resolution.Errors = append(report.Resolution.Errors, err.Error())
			continue
		}
		manifests, err := skills.LoadFile(path)
		if err != nil {
			report.Resolution.Errors = append(report.Resolution.Errors, err.Error())
			continue
		}
		ok := true
		for _, m := range manifests {
			if err := v.validateManifest(m); err != nil {
				report.Resolution.Errors = append(report.Resolution.Errors,
					fmt.Sprintf("%s: manifest %s: %v", im.URI, m.Canonical(), err))
				ok = false
			}
		}
		if !ok {
			continue
		}
		skillIndex.Add(manifests...)
		report.Resolution.SkillImportsLoaded++
	}
	report.Resolution.SkillsIndexSize = skillIndex.Size()
	if len(report.Resolution.Errors) > 0 {
		report.ExitCode = ExitReferences
		return report
	}

	// Phase 5: reference resolution for every Task state.
	report.Resolution.StateSkillMap = make(map[string][]string)
	for _, name := range def.ASL.StateNames() {
		state := def.ASL.States[name]
		if state.Type != workflow.StateTask {
			continue
		}
		ref := state.AgentBinding.Ref()
		if ref == nil {
			report.Resolution.UnresolvedAgentRefs = append(report.Resolution.UnresolvedAgentRefs,
				fmt.Sprintf("%s: missing AgentBinding", name))
		} else if _, ok := agents.Resolve(ref.ID, ref.Name); !ok {
			report.Resolution.UnresolvedAgentRefs = append(report.Resolution.UnresolvedAgentRefs,
				fmt.Sprintf("%s: %s", name, ref.Describe()))
		}
		if state.AgentBinding == nil {
			continue
		}
		var resolved []string
		for _, skillRef := range state.AgentBinding.Skills {
			m, ok := skillIndex.Resolve(skillRef)
			if !ok {
				report.Resolution.UnresolvedSkillIDs = appendUnique(report.Resolution.UnresolvedSkillIDs, skillRef)
				continue
			}
			resolved = append(resolved, m.Canonical())
		}
		if len(resolved) > 0 {
			report.Resolution.StateSkillMap[name] = resolved
		}
	}
	if len(report.Resolution.UnresolvedAgentRefs) > 0 || len(report.Resolution.UnresolvedSkillIDs) > 0 {
		report.ExitCode = ExitReferences
		return report
	}

	// Phase 6: graph checks.
	checkMachine("", def.ASL, &report.Graph)
	report.Graph.Unreachable = def.ASL.Unreferenced()
	if len(report.Graph.Errors) > 0 {
		report.ExitCode = ExitGraph
		return report
	}

	report.ExitCode = ExitOK
	return report
}

// validateManifest checks one manifest against the manifest schema.
func (v *Validator) validateManifest(m skills.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return v.manifestSchema.Validate(doc)
}

// checkMachine validates transitions of one machine and recurses into
// Parallel branches and Map iterators. prefix qualifies error messages for
// nested machines.
func checkMachine(prefix string, m workflow.Machine, g *GraphReport) {
	addErr := func(format string, args ...any) {
		g.Errors = append(g.Errors, prefix+fmt.Sprintf(format, args...))
	}

	if len(m.States) == 0 {
		addErr("machine has no states")
		return
	}
	if m.StartAt == "" {
		addErr("machine has no StartAt")
	} else if _, ok := m.States[m.StartAt]; !ok {
		addErr("StartAt %q is not a state", m.StartAt)
	}

	for _, name := range m.StateNames() {
		state := m.States[name]
		if state.End && state.Next != "" {
			addErr("state %q sets both End and Next", name)
		}
		for _, target := range state.Targets() {
			if _, ok := m.States[target]; !ok {
				addErr("state %q transitions to unknown state %q", name, target)
			}
		}
		for i, branch := range state.Branches {
			checkMachine(fmt.Sprintf("%s%s.Branches[%d]: ", prefix, name, i), branch, g)
		}
		if state.Iterator != nil {
			checkMachine(fmt.Sprintf("%s%s.Iterator: ", prefix, name), *state.Iterator, g)
		}
	}
}

// compileSchema compiles raw schema bytes under the given resource name.
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// flattenSchemaError converts the validation error tree into a flat list of
// path/message pairs.
func flattenSchemaError(ve *jsonschema.ValidationError) []SchemaError {
	printer := message.NewPrinter(language.English)
	var out []SchemaError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, SchemaError{
				Path:    "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.ErrorKind.LocalizedString(printer),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// embedsEntities reports whether af_v2_entities carries content. JSON null
// and empty objects do not count.
func embedsEntities(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null" && trimmed != "{}"
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
