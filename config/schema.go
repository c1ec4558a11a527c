package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// schemaSource constrains a decoded Config. The guard zone must be able to
// absorb the largest inline allocation (256 payload words plus header).
const schemaSource = `
#Config: {
	guard: {
		stack_slack:    int & >=0 & <=65536
		guard_words:    int & >=257 & <=1048576
		stack_overflow: "raise" | "redirect"
	}
	heap: {
		young_words: int & >=512
		major_words: int & >=young_words
	}
	signals: {
		record: [...string] | null
		ignore: [...string] | null
	}
	log: {
		verbosity: int & >=-4 & <=2
		path:      string
	}
	journal: {
		capacity: int & >=0
		database: string
	}
}
`

func validateSchema(c *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: invalid: %s", errors.Details(err, nil))
	}
	return nil
}
