package machine

// Context is the mutable data a machine instance carries between steps.
// Implementations may be plain maps or typed containers; the engine only
// ever talks to this interface and persists snapshots taken via AsMap.
type Context interface {
	// Get returns the value stored under key.
	Get(key string) (interface{}, bool)
	// Set stores value under key, replacing any previous value.
	// Setting nil removes the key: stored context diffs encode
	// deletions as null, so nil never survives as a value.
	Set(key string, value interface{})
	// Remove deletes key. Removing an absent key is a no-op.
	Remove(key string)
	// Has reports whether key is present.
	Has(key string) bool
	// AsMap returns a deep copy of the full context. Mutating the
	// returned map must not affect the live context.
	AsMap() map[string]interface{}
	// Validate checks the context after a step has been persisted.
	// A *ValidationError surfaces to the caller as-is.
	Validate() error
}

// ContextFactory builds the context container for a new machine
// instance from the definition's initial context merged with the start
// payload. Machines reference a factory in their config under the
// "context" behavior key; without one the engine uses NewMapContext.
type ContextFactory interface {
	NewContext(initial map[string]interface{}) (Context, error)
}

// ContextFactoryFunc adapts a function to ContextFactory.
type ContextFactoryFunc func(initial map[string]interface{}) (Context, error)

func (f ContextFactoryFunc) NewContext(initial map[string]interface{}) (Context, error) {
	return f(initial)
}

// MapContext is the default Context backed by a map.
type MapContext struct {
	data      map[string]interface{}
	validator func(map[string]interface{}) error
}

// NewMapContext copies initial into a fresh MapContext. Nil values are
// dropped, matching the Set contract.
func NewMapContext(initial map[string]interface{}) *MapContext {
	data := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		if v == nil {
			continue
		}
		data[k] = deepCopyValue(v)
	}
	return &MapContext{data: data}
}

// NewValidatedMapContext attaches a validator that runs on Validate.
func NewValidatedMapContext(initial map[string]interface{}, validator func(map[string]interface{}) error) *MapContext {
	mc := NewMapContext(initial)
	mc.validator = validator
	return mc
}

func (c *MapContext) Get(key string) (interface{}, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *MapContext) Set(key string, value interface{}) {
	if value == nil {
		delete(c.data, key)
		return
	}
	c.data[key] = value
}

func (c *MapContext) Remove(key string) {
	delete(c.data, key)
}

func (c *MapContext) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

func (c *MapContext) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = deepCopyValue(v)
	}
	return out
}

func (c *MapContext) Validate() error {
	if c.validator == nil {
		return nil
	}
	return c.validator(c.data)
}

// deepCopyValue clones maps and slices recursively; scalars and
// unknown types are returned as-is.
func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
