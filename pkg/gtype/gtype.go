// Package gtype implements GType, the tagged variant schema tree used by
// admission and handler-boundary validation (manifests reference schemas by
// id; schemas themselves are GType trees).
package gtype

import (
	"fmt"
	"regexp"
)

// Kind discriminates the GType variant.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindRef       Kind = "ref"
)

// Primitive is the scalar kind carried by a KindPrimitive node.
type Primitive string

const (
	PrimitiveString  Primitive = "string"
	PrimitiveNumber  Primitive = "number"
	PrimitiveBoolean Primitive = "boolean"
)

// Constraints bounds a primitive value. Zero values mean "unconstrained".
type Constraints struct {
	MinLength *int
	MaxLength *int
	Pattern   string
	Minimum   *float64
	Maximum   *float64
	Enum      []any
}

// GType is a node in the schema tree.
type GType struct {
	Kind       Kind
	Nullable   bool

	// KindPrimitive
	Primitive   Primitive
	Constraints *Constraints

	// KindObject
	Properties           map[string]*GType
	Required             []string
	AdditionalProperties bool

	// KindArray
	Item     *GType
	MinItems *int
	MaxItems *int

	// KindRef
	RefTarget string
}

// String a primitive string schema.
func String() *GType { return &GType{Kind: KindPrimitive, Primitive: PrimitiveString} }

// Number a primitive number schema.
func Number() *GType { return &GType{Kind: KindPrimitive, Primitive: PrimitiveNumber} }

// Boolean a primitive boolean schema.
func Boolean() *GType { return &GType{Kind: KindPrimitive, Primitive: PrimitiveBoolean} }

// Object builds an object schema.
func Object(props map[string]*GType, required ...string) *GType {
	return &GType{Kind: KindObject, Properties: props, Required: required}
}

// Array builds an array schema over item.
func Array(item *GType) *GType { return &GType{Kind: KindArray, Item: item} }

// Ref builds a reference to another schema id.
func Ref(target string) *GType { return &GType{Kind: KindRef, RefTarget: target} }

// AsNullable returns a copy of t marked nullable.
func (t *GType) AsNullable() *GType {
	cp := *t
	cp.Nullable = true
	return &cp
}

// Resolver looks schema refs up by id, for validating KindRef nodes.
type Resolver interface {
	Resolve(id string) (*GType, bool)
}

// Validate checks value against the schema t, resolving any KindRef nodes
// through resolver (which may be nil if the tree contains no refs).
func (t *GType) Validate(value any, resolver Resolver) error {
	if value == nil {
		if t.Nullable {
			return nil
		}
		return fmt.Errorf("gtype: value is null but schema is not nullable")
	}

	switch t.Kind {
	case KindPrimitive:
		return t.validatePrimitive(value)
	case KindObject:
		return t.validateObject(value, resolver)
	case KindArray:
		return t.validateArray(value, resolver)
	case KindRef:
		if resolver == nil {
			return fmt.Errorf("gtype: ref %q encountered with no resolver", t.RefTarget)
		}
		target, ok := resolver.Resolve(t.RefTarget)
		if !ok {
			return fmt.Errorf("gtype: unresolved ref %q", t.RefTarget)
		}
		return target.Validate(value, resolver)
	default:
		return fmt.Errorf("gtype: unknown kind %q", t.Kind)
	}
}

func (t *GType) validatePrimitive(value any) error {
	switch t.Primitive {
	case PrimitiveString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("gtype: expected string, got %T", value)
		}
		return t.checkStringConstraints(s)
	case PrimitiveNumber:
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("gtype: expected number, got %T", value)
		}
		return t.checkNumberConstraints(n)
	case PrimitiveBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("gtype: expected boolean, got %T", value)
		}
		return nil
	default:
		return fmt.Errorf("gtype: unknown primitive %q", t.Primitive)
	}
}

func (t *GType) checkStringConstraints(s string) error {
	if t.Constraints == nil {
		return nil
	}
	c := t.Constraints
	if c.MinLength != nil && len(s) < *c.MinLength {
		return fmt.Errorf("gtype: string shorter than minLength %d", *c.MinLength)
	}
	if c.MaxLength != nil && len(s) > *c.MaxLength {
		return fmt.Errorf("gtype: string longer than maxLength %d", *c.MaxLength)
	}
	if c.Pattern != "" {
		matched, err := regexp.MatchString(c.Pattern, s)
		if err != nil {
			return fmt.Errorf("gtype: invalid pattern %q: %w", c.Pattern, err)
		}
		if !matched {
			return fmt.Errorf("gtype: value %q does not match pattern %q", s, c.Pattern)
		}
	}
	if len(c.Enum) > 0 && !enumContains(c.Enum, s) {
		return fmt.Errorf("gtype: value %q not in enum", s)
	}
	return nil
}

func (t *GType) checkNumberConstraints(n float64) error {
	if t.Constraints == nil {
		return nil
	}
	c := t.Constraints
	if c.Minimum != nil && n < *c.Minimum {
		return fmt.Errorf("gtype: value %v below minimum %v", n, *c.Minimum)
	}
	if c.Maximum != nil && n > *c.Maximum {
		return fmt.Errorf("gtype: value %v above maximum %v", n, *c.Maximum)
	}
	return nil
}

func (t *GType) validateObject(value any, resolver Resolver) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("gtype: expected object, got %T", value)
	}
	for _, req := range t.Required {
		if _, present := obj[req]; !present {
			return fmt.Errorf("gtype: missing required property %q", req)
		}
	}
	for k, v := range obj {
		prop, declared := t.Properties[k]
		if !declared {
			if !t.AdditionalProperties {
				return fmt.Errorf("gtype: unexpected property %q", k)
			}
			continue
		}
		if err := prop.Validate(v, resolver); err != nil {
			return fmt.Errorf("gtype: property %q: %w", k, err)
		}
	}
	return nil
}

func (t *GType) validateArray(value any, resolver Resolver) error {
	arr, ok := value.([]any)
	if !ok {
		return fmt.Errorf("gtype: expected array, got %T", value)
	}
	if t.MinItems != nil && len(arr) < *t.MinItems {
		return fmt.Errorf("gtype: array shorter than minItems %d", *t.MinItems)
	}
	if t.MaxItems != nil && len(arr) > *t.MaxItems {
		return fmt.Errorf("gtype: array longer than maxItems %d", *t.MaxItems)
	}
	for i, item := range arr {
		if t.Item == nil {
			continue
		}
		if err := t.Item.Validate(item, resolver); err != nil {
			return fmt.Errorf("gtype: item[%d]: %w", i, err)
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func enumContains(enum []any, s string) bool {
	for _, e := range enum {
		if es, ok := e.(string); ok && es == s {
			return true
		}
	}
	return false
}
