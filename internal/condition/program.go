package condition

import "strings"

// Program holds the compiled expressions and templates of one node's
// configuration, keyed by config path such as "while" or "fields.score".
// A nil Program is empty.
type Program struct {
	exprs     map[string]*Expr
	templates map[string]*Template
}

// AddExpr compiles src and stores it under path.
func (p *Program) AddExpr(path, src string) error {
	e, err := Compile(src)
	if err != nil {
		return err
	}
	if p.exprs == nil {
		p.exprs = make(map[string]*Expr)
	}
	p.exprs[path] = e
	return nil
}

// AddTemplate compiles src as a string template and stores it under path.
func (p *Program) AddTemplate(path, src string) error {
	t, err := CompileTemplate(src)
	if err != nil {
		return err
	}
	if p.templates == nil {
		p.templates = make(map[string]*Template)
	}
	p.templates[path] = t
	return nil
}

// Len returns the number of compiled entries.
func (p *Program) Len() int {
	if p == nil {
		return 0
	}
	return len(p.exprs) + len(p.templates)
}

// Expr returns the expression stored under path when it was compiled from
// src, and compiles src otherwise.
func (p *Program) Expr(path, src string) (*Expr, error) {
	if p != nil {
		if e, ok := p.exprs[path]; ok && e.src == strings.TrimSpace(src) {
			return e, nil
		}
	}
	return Compile(src)
}

// Template returns the template stored under path when it was compiled from
// src, and compiles src otherwise.
func (p *Program) Template(path, src string) (*Template, error) {
	if p != nil {
		if t, ok := p.templates[path]; ok && t.src == src {
			return t, nil
		}
	}
	return CompileTemplate(src)
}
