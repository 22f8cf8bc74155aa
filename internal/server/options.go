package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
)

const optionsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"concurrency":        {"type": "integer", "minimum": 1, "maximum": 64},
		"pageTimeoutSeconds": {"type": "integer", "minimum": 1, "maximum": 3600},
		"jobTimeoutSeconds":  {"type": "integer", "minimum": 1, "maximum": 86400},
		"language":           {"type": "string", "pattern": "^[a-z_+]+$", "maxLength": 64}
	}
}`

// requestOptions is the "options" form field of an upload.
type requestOptions struct {
	Concurrency        int    `json:"concurrency"`
	PageTimeoutSeconds int    `json:"pageTimeoutSeconds"`
	JobTimeoutSeconds  int    `json:"jobTimeoutSeconds"`
	Language           string `json:"language"`
}

type optionsValidator struct {
	schema *jsonschema.Schema
}

func newOptionsValidator() (*optionsValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("options.json", bytes.NewReader([]byte(optionsSchema))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("options.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &optionsValidator{schema: schema}, nil
}

// Parse validates raw against the options schema. Empty input means defaults.
func (v *optionsValidator) Parse(raw string) (pipeline.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pipeline.Options{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return pipeline.Options{}, common.InputError("options is not valid JSON", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return pipeline.Options{}, common.InputError(fmt.Sprintf("invalid options: %v", err), nil)
	}

	var ro requestOptions
	if err := json.Unmarshal([]byte(raw), &ro); err != nil {
		return pipeline.Options{}, common.InputError("options is not valid JSON", err)
	}
	return pipeline.Options{
		Concurrency: ro.Concurrency,
		PageTimeout: time.Duration(ro.PageTimeoutSeconds) * time.Second,
		JobTimeout:  time.Duration(ro.JobTimeoutSeconds) * time.Second,
		Language:    ro.Language,
	}, nil
}
