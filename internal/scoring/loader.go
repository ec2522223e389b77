package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

// rulesSchema constrains .cue rules files. Definitions are closed, so a
// misspelled field fails validation instead of being silently ignored.
const rulesSchema = `
#Rules: {
	points?: {
		habit?:                     int & >=0
		task?:                      int & >=0
		milestone?:                 int & >=0
		goal?:                      int & >=0
		coinsPerXp?:                number & >=0
		vitalityMonthlyTarget?:     int & >0
		vitalityDecayPerMissedDay?: number & >=0
	}
	categories?: [string]: {
		tags?:      [...string]
		target30d?: int & >=0
		weight?:    number & >0
		attribute?: "str" | "int" | "cre" | "soc"
	}
	streaks?: {
		bonus7?:  int & >=0
		bonus30?: int & >=0
	}
}
`

// RulesError is a rules file error with source position when known.
type RulesError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *RulesError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadRules reads a scoring config from path. The format follows the
// extension: .cue is evaluated with CUE, anything else is parsed as YAML
// (which covers JSON).
//
// Fields absent from the file keep their DefaultConfig value; the returned
// warnings list every value Normalize had to replace.
func LoadRules(path string) (Config, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		format = "cue"
	}
	return ParseRules(data, format, path)
}

// ParseRules parses rules data in the given format ("yaml" or "cue").
// filename is only used in error positions.
func ParseRules(data []byte, format, filename string) (Config, []error, error) {
	cfg := DefaultConfig()
	// Decoders merge into existing maps, so a file that lists categories
	// must replace the defaults rather than extend them.
	cfg.Categories = nil

	switch format {
	case "yaml", "yml", "json":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case "cue":
		if err := decodeCUE(data, filename, &cfg); err != nil {
			return Config{}, nil, err
		}
	default:
		return Config{}, nil, fmt.Errorf("unsupported rules format %q", format)
	}

	if cfg.Categories == nil {
		cfg.Categories = DefaultConfig().Categories
	}
	normalized, warnings := Normalize(cfg)
	return normalized, warnings, nil
}

func decodeCUE(data []byte, filename string, cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(rulesSchema, cue.Filename("rules.schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("rules schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return formatCUEError(err)
	}
	v = schema.LookupPath(cue.ParsePath("#Rules")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	if err := v.Decode(cfg); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &RulesError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return &RulesError{Field: "cue", Message: first.Error()}
}
