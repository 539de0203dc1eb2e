package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const IntakeJSONSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["submission_id", "repositories"],
  "properties": {
    "submission_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "repositories": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "metadata": {"type": "object"}
  }
}`

const intakeSchemaURL = "mem://deposit-orchestrator/intake.json"

type Intake struct {
	SubmissionID string          `json:"submission_id"`
	Repositories []string        `json:"repositories"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

var (
	intakeSchemaOnce sync.Once
	intakeSchema     *jsonschema.Schema
	intakeSchemaErr  error
)

func compiledIntakeSchema() (*jsonschema.Schema, error) {
	intakeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(IntakeJSONSchema))
		if err != nil {
			intakeSchemaErr = fmt.Errorf("decode intake schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(intakeSchemaURL, doc); err != nil {
			intakeSchemaErr = fmt.Errorf("add intake schema: %w", err)
			return
		}
		intakeSchema, intakeSchemaErr = c.Compile(intakeSchemaURL)
	})
	return intakeSchema, intakeSchemaErr
}

// ParseIntake validates raw against the intake schema and returns the decoded
// document with repository ids trimmed.
func ParseIntake(raw []byte) (Intake, error) {
	schema, err := compiledIntakeSchema()
	if err != nil {
		return Intake{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Intake{}, fmt.Errorf("intake is not valid json: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Intake{}, fmt.Errorf("intake does not match schema: %w", err)
	}

	var in Intake
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intake{}, err
	}
	if failed := ValidateIntake(in); len(failed) > 0 {
		return Intake{}, fmt.Errorf("intake failed rules: %s", strings.Join(failed, ", "))
	}
	for i := range in.Repositories {
		in.Repositories[i] = strings.TrimSpace(in.Repositories[i])
	}
	return in, nil
}

func ValidateIntake(in Intake) []string {
	failed := make([]string, 0)

	if strings.TrimSpace(in.SubmissionID) == "" {
		failed = append(failed, "intake.submission_id_present")
	}
	if len(in.Repositories) == 0 {
		failed = append(failed, "intake.repositories_present")
	}
	seen := make(map[string]struct{}, len(in.Repositories))
	for _, id := range in.Repositories {
		id = strings.TrimSpace(id)
		if id == "" {
			failed = append(failed, "intake.repository_id_present")
			continue
		}
		if _, dup := seen[id]; dup {
			failed = append(failed, "intake.repository_ids_unique")
			continue
		}
		seen[id] = struct{}{}
	}

	return failed
}
