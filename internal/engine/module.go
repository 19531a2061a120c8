package engine

import "strings"

// Parameter is one weight of a module with its storage placement.
type Parameter struct {
	Name   string `json:"name"`
	DType  DType  `json:"dtype"`
	Device Device `json:"device"`
}

// Module is a node of a model's structural tree.
type Module struct {
	Name     string
	Params   []Parameter
	Children []*Module
}

// Child returns the direct child called name.
func (m *Module) Child(name string) *Module {
	if m == nil {
		return nil
	}
	for _, child := range m.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Lookup walks a dotted path such as "vision_tower.vision_model".
func (m *Module) Lookup(path string) *Module {
	cur := m
	for _, part := range strings.Split(path, ".") {
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Weight returns the parameter named "weight", or the first parameter.
func (m *Module) Weight() (Parameter, bool) {
	if m == nil || len(m.Params) == 0 {
		return Parameter{}, false
	}
	for _, p := range m.Params {
		if p.Name == "weight" {
			return p, true
		}
	}
	return m.Params[0], true
}

// FirstParameter returns the first parameter in depth-first order.
func (m *Module) FirstParameter() (Parameter, bool) {
	if m == nil {
		return Parameter{}, false
	}
	if len(m.Params) > 0 {
		return m.Params[0], true
	}
	for _, child := range m.Children {
		if p, ok := child.FirstParameter(); ok {
			return p, true
		}
	}
	return Parameter{}, false
}
