package services

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const rankResponseSchema = `{
	"type": "object",
	"required": ["matches"],
	"properties": {
		"matches": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["candidate_id", "rationale"],
				"properties": {
					"candidate_id": {"type": "string"},
					"rationale": {"type": "string"},
					"score": {"type": "number"}
				}
			}
		}
	}
}`

const scoreResponseSchema = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 100},
		"reasons": {"type": "array", "items": {"type": "string"}}
	}
}`

// Validator checks oracle responses against fixed JSON schemas before any
// field of the response is trusted.
type Validator struct {
	rankSchema  *jsonschema.Schema
	scoreSchema *jsonschema.Schema
}

// NewValidator compiles the oracle response schemas.
func NewValidator() (*Validator, error) {
	rank, err := jsonschema.CompileString("https://taskrelay.dev/schemas/rank.response", rankResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile rank schema: %w", err)
	}
	score, err := jsonschema.CompileString("https://taskrelay.dev/schemas/score.response", scoreResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile score schema: %w", err)
	}
	return &Validator{rankSchema: rank, scoreSchema: score}, nil
}

// MustNewValidator is NewValidator for static wiring and tests.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

type RankedEntry struct {
	CandidateID string   `json:"candidate_id"`
	Rationale   string   `json:"rationale"`
	Score       *float64 `json:"score"`
}

type RankResponse struct {
	Matches []RankedEntry `json:"matches"`
}

type ScoreResponse struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// ValidateRankResponse returns the decoded ranking or an error wrapping ErrMalformedOracleResponse.
func (v *Validator) ValidateRankResponse(raw []byte) (*RankResponse, error) {
	var out RankResponse
	if err := validateInto(v.rankSchema, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateScoreResponse returns the decoded score or an error wrapping ErrMalformedOracleResponse.
func (v *Validator) ValidateScoreResponse(raw []byte) (*ScoreResponse, error) {
	var out ScoreResponse
	if err := validateInto(v.scoreSchema, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func validateInto(schema *jsonschema.Schema, raw []byte, out any) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrMalformedOracleResponse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOracleResponse, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOracleResponse, err)
	}
	return nil
}
