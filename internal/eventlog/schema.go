package eventlog

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSource string

// schema holds the compiled definitions. A cue.Context is not safe for
// concurrent use, so every check runs under mu.
type schema struct {
	mu       sync.Mutex
	ctx      *cue.Context
	log      cue.Value
	snapshot cue.Value
}

var loadSchema = sync.OnceValues(func() (*schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s := &schema{
		ctx:      ctx,
		log:      v.LookupPath(cue.ParsePath("#Log")),
		snapshot: v.LookupPath(cue.ParsePath("#Snapshot")),
	}
	if !s.log.Exists() || !s.snapshot.Exists() {
		return nil, fmt.Errorf("compile schema: missing #Log or #Snapshot")
	}
	return s, nil
})

// check unifies a JSON document with def and requires a concrete result.
func (s *schema) check(def cue.Value, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr, err := cuejson.Extract(name, data)
	if err != nil {
		return err
	}
	doc := s.ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return err
	}
	return def.Unify(doc).Validate(cue.Concrete(true))
}
