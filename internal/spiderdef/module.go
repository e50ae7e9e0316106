package spiderdef

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

type moduleFile struct {
	Spiders []spiderFile `yaml:"spiders"`
}

type spiderFile struct {
	Name           string       `yaml:"name"`
	StartURLs      []string     `yaml:"start_urls"`
	AllowedDomains []string     `yaml:"allowed_domains"`
	Render         string       `yaml:"render"`
	Settings       settingsFile `yaml:"settings"`
	Parse          *parseFile   `yaml:"parse"`
	ParseRecord    recordFile   `yaml:"parse_record"`
	Search         *searchFile  `yaml:"search"`
}

type settingsFile struct {
	DownloadDelay time.Duration `yaml:"download_delay"`
	Concurrency   int           `yaml:"concurrency"`
	MaxDepth      int           `yaml:"max_depth"`
	UserAgent     string        `yaml:"user_agent"`
}

type parseFile struct {
	Follow     string `yaml:"follow"`
	Record     string `yaml:"record"`
	RecordName string `yaml:"record_name"`
}

type recordFile struct {
	Name   string            `yaml:"name"`
	Fields map[string]string `yaml:"fields"`
	Links  *linksFile        `yaml:"links"`
}

type linksFile struct {
	Selector string `yaml:"selector"`
	Group    string `yaml:"group"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
}

type searchFile struct {
	URL    string `yaml:"url"`
	Result string `yaml:"result"`
}

// Module is a compiled spider module.
type Module struct {
	types map[string]*Type
	names []string
}

// Compile parses and validates a spider module.
func Compile(source string) (*Module, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("empty spider module")
	}
	var file moduleFile
	if err := yaml.Unmarshal([]byte(source), &file); err != nil {
		return nil, fmt.Errorf("parse spider module: %w", err)
	}
	if len(file.Spiders) == 0 {
		return nil, errors.New("spider module declares no spiders")
	}
	mod := &Module{types: make(map[string]*Type, len(file.Spiders))}
	for i, sf := range file.Spiders {
		t, err := compileSpider(sf)
		if err != nil {
			if sf.Name == "" {
				return nil, fmt.Errorf("spider #%d: %w", i, err)
			}
			return nil, fmt.Errorf("spider %s: %w", sf.Name, err)
		}
		if _, dup := mod.types[t.name]; dup {
			return nil, fmt.Errorf("spider %s declared more than once", t.name)
		}
		mod.types[t.name] = t
		mod.names = append(mod.names, t.name)
	}
	return mod, nil
}

// Lookup returns the spider declared under name.
func (m *Module) Lookup(name string) (*Type, error) {
	t, ok := m.types[name]
	if !ok {
		return nil, fmt.Errorf("module declares no spider named %s (have %s)", name, strings.Join(m.names, ", "))
	}
	return t, nil
}

// Names lists the declared spiders in source order.
func (m *Module) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

func compileSpider(sf spiderFile) (*Type, error) {
	if sf.Name == "" {
		return nil, errors.New("missing name")
	}
	if len(sf.StartURLs) == 0 && sf.Search == nil {
		return nil, errors.New("needs start_urls or search")
	}
	for _, raw := range sf.StartURLs {
		if err := checkAbsolute(raw); err != nil {
			return nil, fmt.Errorf("start url: %w", err)
		}
	}
	render := spider.Render(sf.Render)
	switch render {
	case "":
		render = spider.RenderNever
	case spider.RenderNever, spider.RenderAlways, spider.RenderAuto:
	default:
		return nil, fmt.Errorf("unknown render mode %q", sf.Render)
	}
	if sf.Settings.DownloadDelay < 0 || sf.Settings.Concurrency < 0 || sf.Settings.MaxDepth < 0 {
		return nil, errors.New("settings must not be negative")
	}

	t := &Type{
		name:      sf.Name,
		startURLs: append([]string(nil), sf.StartURLs...),
		settings: spider.Settings{
			DownloadDelay:  sf.Settings.DownloadDelay,
			Concurrency:    sf.Settings.Concurrency,
			MaxDepth:       sf.Settings.MaxDepth,
			UserAgent:      sf.Settings.UserAgent,
			Render:         render,
			AllowedDomains: append([]string(nil), sf.AllowedDomains...),
		},
		fields: make(map[string]expr, len(sf.ParseRecord.Fields)),
	}

	var err error
	if sf.Parse != nil {
		if t.follow, err = compileOptional(sf.Parse.Follow, "href"); err != nil {
			return nil, fmt.Errorf("parse.follow: %w", err)
		}
		if t.record, err = compileOptional(sf.Parse.Record, "href"); err != nil {
			return nil, fmt.Errorf("parse.record: %w", err)
		}
		if t.recordName, err = compileOptional(sf.Parse.RecordName, ""); err != nil {
			return nil, fmt.Errorf("parse.record_name: %w", err)
		}
	}

	if sf.ParseRecord.Name == "" {
		return nil, errors.New("parse_record.name is required")
	}
	if t.title, err = compileExpr(sf.ParseRecord.Name, ""); err != nil {
		return nil, fmt.Errorf("parse_record.name: %w", err)
	}
	for field, raw := range sf.ParseRecord.Fields {
		e, err := compileExpr(raw, "")
		if err != nil {
			return nil, fmt.Errorf("parse_record.fields.%s: %w", field, err)
		}
		t.fields[field] = e
	}
	if lf := sf.ParseRecord.Links; lf != nil {
		if t.links, err = compileLinks(*lf); err != nil {
			return nil, fmt.Errorf("parse_record.links: %w", err)
		}
	}

	if sf.Search != nil {
		if sf.Search.URL == "" || sf.Search.Result == "" {
			return nil, errors.New("search needs url and result")
		}
		tmpl, err := template.New(sf.Name).Option("missingkey=error").Parse(sf.Search.URL)
		if err != nil {
			return nil, fmt.Errorf("search.url: %w", err)
		}
		result, err := compileExpr(sf.Search.Result, "href")
		if err != nil {
			return nil, fmt.Errorf("search.result: %w", err)
		}
		t.search = &search{url: tmpl, result: result}
		if _, err := t.SearchRequest("probe"); err != nil {
			return nil, fmt.Errorf("search.url: %w", err)
		}
	}
	return t, nil
}

func compileLinks(lf linksFile) (*links, error) {
	if lf.Selector == "" {
		return nil, errors.New("selector is required")
	}
	sel, err := compileExpr(lf.Selector, "")
	if err != nil {
		return nil, err
	}
	l := &links{selector: sel}
	if l.group, err = compileOptional(lf.Group, ""); err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	if l.name, err = compileOptional(defaultString(lf.Name, "text"), ""); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if l.url, err = compileOptional(defaultString(lf.URL, "@href"), ""); err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	return l, nil
}

func checkAbsolute(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an http(s) url", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
