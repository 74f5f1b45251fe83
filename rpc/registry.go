package rpc

import (
	"fmt"
	"sort"
)

// Call is passed to a HandlerFunc for every dispatched envelope.
type Call struct {
	// Context is the opaque value supplied when the function was registered.
	Context any
	// ConnID identifies the connection the envelope arrived on.
	ConnID     int64
	Collection string
	Function   string
	Args       []Value
}

// HandlerFunc implements a remote function. It returns the full result values, error code first.
// Returning no values is the same as returning OkResult().
type HandlerFunc func(call *Call) []Value

// Function is a named remote function bound to a handler and its registration context.
type Function struct {
	Name    string
	Params  []Type
	Handler HandlerFunc
	Context any
}

func (f *Function) accepts(args []Value) bool {
	if len(args) != len(f.Params) {
		return false
	}
	for i, p := range f.Params {
		if args[i].Type != p {
			return false
		}
	}
	return true
}

// Collection groups functions under a name.
type Collection struct {
	name      string
	functions map[string]*Function
}

func NewCollection(name string) *Collection {
	return &Collection{
		name:      name,
		functions: map[string]*Function{},
	}
}

func (c *Collection) Name() string { return c.name }

// Register adds a function to the collection, failing on a duplicate name.
func (c *Collection) Register(name string, params []Type, handler HandlerFunc, ctx any) error {
	if _, ok := c.functions[name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateHandler, c.name, name)
	}
	c.functions[name] = &Function{
		Name:    name,
		Params:  params,
		Handler: handler,
		Context: ctx,
	}
	return nil
}

// MustRegister is like Register but panics on a duplicate. It is meant for startup code.
func (c *Collection) MustRegister(name string, params []Type, handler HandlerFunc, ctx any) *Collection {
	if err := c.Register(name, params, handler, ctx); err != nil {
		panic(err)
	}
	return c
}

// Functions returns the sorted names of the registered functions.
func (c *Collection) Functions() []string {
	names := make([]string, 0, len(c.functions))
	for name := range c.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Collection) lookup(name string) (*Function, bool) {
	f, ok := c.functions[name]
	return f, ok
}
