package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

const baseSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | ""

#Module: string | {
	path:         string
	name?:        string
	description?: string
}

#Setting: {
	name:         string
	id:           int & >=0 & <=65535
	type:         "int" | "integer" | "int32" | "int64" | "long" | "float" | "float32" | "double" | "float64" | "number" | "bool" | "boolean" | "string" | "text"
	default?:     number | bool | string
	description?: string
}

#Action: {
	name:       string
	every:      #Duration
	setting:    string
	expression: string
}

#Config: {
	name?:        string
	description?: string
	cycle?:       #Duration
	hot_reload?:  bool
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled" | ""
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	device?: {
		name?:         string
		name_setting?: string
		service_uuid?: string
		push_all?:     bool
	}
	transport?: {
		driver:    string
		settings?: _
	}
	inspect?: {
		enabled?: bool
		listen?:  string
	}
	modules?: [...#Module]
	settings?: [...#Setting]
	actions?: [...#Action]
}
`

var (
	driverSchemaMu sync.RWMutex
	driverSchemas  = make(map[string]string)
)

// RegisterDriverSchema registers a CUE definition named #Settings that
// validates transport.settings when transport.driver equals driver.
func RegisterDriverSchema(driver, schema string) error {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		return errors.New("driver name must not be empty")
	}
	if strings.TrimSpace(schema) == "" {
		return errors.New("driver schema must not be empty")
	}
	driverSchemaMu.Lock()
	defer driverSchemaMu.Unlock()
	if _, exists := driverSchemas[driver]; exists {
		return fmt.Errorf("schema for driver %s already registered", driver)
	}
	driverSchemas[driver] = schema
	return nil
}

func driverSchema(driver string) (string, bool) {
	driverSchemaMu.RLock()
	defer driverSchemaMu.RUnlock()
	schema, ok := driverSchemas[driver]
	return schema, ok
}

// ValidateDocument checks a raw YAML configuration document against the
// configuration schema and, when registered, the schema of its transport driver.
func ValidateDocument(filename string, raw []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(baseSchema, cue.Filename("config.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s: schema validation failed: %s", filename, cueerrors.Details(err, nil))
	}

	driverValue := unified.LookupPath(cue.ParsePath("transport.driver"))
	if !driverValue.Exists() {
		return nil
	}
	driver, err := driverValue.String()
	if err != nil {
		return fmt.Errorf("%s: transport.driver: %w", filename, err)
	}
	fragment, ok := driverSchema(driver)
	if !ok {
		return nil
	}
	settingsValue := unified.LookupPath(cue.ParsePath("transport.settings"))
	if !settingsValue.Exists() {
		return nil
	}
	compiled := ctx.CompileString(fragment, cue.Filename(driver+".cue"))
	if err := compiled.Err(); err != nil {
		return fmt.Errorf("compile %s schema: %w", driver, err)
	}
	checked := compiled.LookupPath(cue.ParsePath("#Settings")).Unify(settingsValue)
	if err := checked.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s: transport.settings: %s", filename, cueerrors.Details(err, nil))
	}
	return nil
}
