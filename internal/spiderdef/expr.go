package spiderdef

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

var attrName = regexp.MustCompile(`^[A-Za-z_:][-A-Za-z0-9_:.]*$`)

// expr is a compiled extraction expression:
//
//	"text"      text of the context element
//	"@attr"     attribute of the context element
//	"sel"       text (or the default attribute) of the first match of sel
//	"sel@attr"  attribute of the first match of sel
type expr struct {
	raw  string
	sel  cascadia.Selector
	attr string
}

func compileExpr(raw, defaultAttr string) (expr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return expr{}, fmt.Errorf("empty expression")
	}
	if raw == "text" {
		return expr{raw: raw}, nil
	}
	selPart, attr := raw, defaultAttr
	if i := strings.LastIndex(raw, "@"); i >= 0 && attrName.MatchString(raw[i+1:]) {
		selPart, attr = strings.TrimSpace(raw[:i]), raw[i+1:]
	}
	e := expr{raw: raw, attr: attr}
	if selPart == "" {
		return e, nil
	}
	sel, err := cascadia.Compile(selPart)
	if err != nil {
		return expr{}, fmt.Errorf("selector %q: %w", selPart, err)
	}
	e.sel = sel
	return e, nil
}

func compileOptional(raw, defaultAttr string) (*expr, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	e, err := compileExpr(raw, defaultAttr)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (e expr) targets(s *goquery.Selection) *goquery.Selection {
	if e.sel == nil {
		return s
	}
	return s.FindMatcher(e.sel)
}

func (e expr) value(target *goquery.Selection) (string, bool) {
	if e.attr == "" {
		return collapse(target.Text()), true
	}
	v, ok := target.Attr(e.attr)
	return strings.TrimSpace(v), ok
}

// first evaluates e against the first match below s.
func (e expr) first(s *goquery.Selection) (string, bool) {
	t := e.targets(s).First()
	if t.Length() == 0 {
		return "", false
	}
	return e.value(t)
}

// each calls fn for every match below s with its evaluated value.
func (e expr) each(s *goquery.Selection, fn func(el *goquery.Selection, v string)) {
	e.targets(s).Each(func(_ int, el *goquery.Selection) {
		if v, ok := e.value(el); ok && v != "" {
			fn(el, v)
		}
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
