package preview

import (
	"fmt"
	"sort"
	"strings"
)

// Rule selects one candidate value from a scanned document. A Rule with
// Tag "title" reads the <title> element; otherwise it reads Field from the
// first Tag whose Attr equals Value (case-insensitive) and whose Field is
// not blank. For rel, Value may match any whitespace-separated token.
type Rule struct {
	Tag   string
	Attr  string
	Value string
	Field string
}

// String renders the rule in the syntax ParseRule accepts.
func (r Rule) String() string {
	if r.Tag == "title" {
		return "title"
	}
	return fmt.Sprintf("%s[%s=%s].%s", r.Tag, r.Attr, r.Value, r.Field)
}

// ParseRule parses "title", "meta[property=og:title]", or
// "link[rel=image_src].href". Field defaults to content for meta and href for link.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "title") {
		return Rule{Tag: "title"}, nil
	}

	open := strings.IndexByte(s, '[')
	closeIdx := strings.LastIndexByte(s, ']')
	if open <= 0 || closeIdx < open {
		return Rule{}, fmt.Errorf("rule %q: expected tag[attr=value]", s)
	}
	r := Rule{Tag: strings.ToLower(strings.TrimSpace(s[:open]))}
	switch r.Tag {
	case "meta":
		r.Field = "content"
	case "link":
		r.Field = "href"
	default:
		return Rule{}, fmt.Errorf("rule %q: tag must be meta, link or title", s)
	}

	attr, value, ok := strings.Cut(s[open+1:closeIdx], "=")
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: selector needs attr=value", s)
	}
	r.Attr = strings.ToLower(strings.TrimSpace(attr))
	r.Value = strings.ToLower(strings.Trim(strings.TrimSpace(value), `"'`))
	if r.Attr == "" || r.Value == "" {
		return Rule{}, fmt.Errorf("rule %q: empty attr or value", s)
	}

	if rest := strings.TrimSpace(s[closeIdx+1:]); rest != "" {
		field, ok := strings.CutPrefix(rest, ".")
		if !ok || field == "" {
			return Rule{}, fmt.Errorf("rule %q: trailing %q", s, rest)
		}
		r.Field = strings.ToLower(field)
	}
	return r, nil
}

// ParseRules parses a list of rules, failing on the first bad entry.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RuleSet is an ordered title chain and image chain; the first rule producing
// a non-blank value wins.
type RuleSet struct {
	Name  string
	Title []Rule
	Image []Rule
}

func meta(attr, value string) Rule {
	return Rule{Tag: "meta", Attr: attr, Value: value, Field: "content"}
}

var ruleSets = map[string]RuleSet{
	"default": {
		Name: "default",
		Title: []Rule{
			meta("property", "og:title"),
			meta("name", "twitter:title"),
			meta("name", "title"),
			{Tag: "title"},
		},
		Image: []Rule{
			meta("property", "og:image:secure_url"),
			meta("property", "og:image"),
			meta("name", "twitter:image"),
			meta("name", "twitter:image:src"),
			meta("itemprop", "image"),
			meta("name", "image"),
			{Tag: "link", Attr: "rel", Value: "image_src", Field: "href"},
		},
	},
	// Open Graph and Twitter cards only, as the board shipped before
	// schema.org and image_src support.
	"legacy": {
		Name: "legacy",
		Title: []Rule{
			meta("property", "og:title"),
			meta("property", "twitter:title"),
			meta("name", "twitter:title"),
			{Tag: "title"},
		},
		Image: []Rule{
			meta("property", "og:image:secure_url"),
			meta("property", "og:image"),
			meta("property", "twitter:image"),
			meta("name", "twitter:image"),
			meta("name", "twitter:image:src"),
		},
	},
}

// DefaultRules is the full priority chain.
func DefaultRules() RuleSet {
	return ruleSets["default"]
}

// LookupRuleSet returns a named rule set.
func LookupRuleSet(name string) (RuleSet, error) {
	if name == "" {
		name = "default"
	}
	rs, ok := ruleSets[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(ruleSets))
		for n := range ruleSets {
			names = append(names, n)
		}
		sort.Strings(names)
		return RuleSet{}, fmt.Errorf("unknown rule set %q (have %s)", name, strings.Join(names, ", "))
	}
	return rs, nil
}

// BuildRuleSet starts from the named set and replaces either chain with an
// explicit list when one is given.
func BuildRuleSet(name string, title, image []string) (RuleSet, error) {
	rs, err := LookupRuleSet(name)
	if err != nil {
		return RuleSet{}, err
	}
	if len(title) > 0 {
		if rs.Title, err = ParseRules(title); err != nil {
			return RuleSet{}, fmt.Errorf("title rules: %w", err)
		}
		rs.Name += "+title"
	}
	if len(image) > 0 {
		if rs.Image, err = ParseRules(image); err != nil {
			return RuleSet{}, fmt.Errorf("image rules: %w", err)
		}
		rs.Name += "+image"
	}
	return rs, nil
}

// document is a scanned page ready for rule evaluation.
type document struct {
	metas []Tag
	links []Tag
	title string
}

func scanDocument(doc string) document {
	metas, links := ScanTags(doc)
	return document{metas: metas, links: links, title: DocumentTitle(doc)}
}

func (d document) first(rules []Rule) string {
	for _, r := range rules {
		if v := d.eval(r); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (d document) eval(r Rule) string {
	var tags []Tag
	switch r.Tag {
	case "title":
		return d.title
	case "meta":
		tags = d.metas
	case "link":
		tags = d.links
	default:
		return ""
	}
	for _, t := range tags {
		if !attrMatches(r.Attr, t.Get(r.Attr), r.Value) {
			continue
		}
		if v := t.Get(r.Field); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func attrMatches(attr, got, want string) bool {
	if attr == "rel" {
		for _, tok := range strings.Fields(got) {
			if strings.EqualFold(tok, want) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(strings.TrimSpace(got), want)
}
