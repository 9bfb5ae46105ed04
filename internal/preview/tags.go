package preview

import (
	"regexp"
	"strings"
)

// The scanner is deliberately not an HTML parser. Real pages are often
// malformed, and a regex pass over start tags still finds their metadata.
var (
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	// A tag runs to the next unquoted '<' or '>', so an unclosed tag ends
	// where the next one starts. Quoted values may hold '>' but never '<';
	// a quote with no partner before the next '<' is a literal character.
	tagRe   = regexp.MustCompile(`(?is)<(meta|link)\b((?:[^<>"']|"[^"<]*"|'[^'<]*'|["'])*)`)
	attrRe  = regexp.MustCompile("([^\\s\"'<>/=]+)(?:\\s*=\\s*(?:\"([^\"]*)\"|'([^']*)'|([^\\s\"'=<>`]+)))?")
	titleRe = regexp.MustCompile(`(?is)<title\b[^>]*>(.*?)</title\s*>`)
)

// Tag is one <meta> or <link> start tag. Attribute keys are lower case; when
// a key repeats, the first occurrence wins.
type Tag struct {
	Name  string
	Attrs map[string]string
}

// Get returns the attribute value for key, matched case-insensitively.
func (t Tag) Get(key string) string {
	return t.Attrs[strings.ToLower(key)]
}

// ScanTags returns every <meta> and <link> start tag in document order.
// Tags inside HTML comments are ignored.
func ScanTags(doc string) (metas, links []Tag) {
	doc = commentRe.ReplaceAllString(doc, "")
	for _, m := range tagRe.FindAllStringSubmatch(doc, -1) {
		tag := Tag{Name: strings.ToLower(m[1]), Attrs: parseAttrs(m[2])}
		if tag.Name == "meta" {
			metas = append(metas, tag)
		} else {
			links = append(links, tag)
		}
	}
	return metas, links
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		key := strings.ToLower(m[1])
		if _, seen := attrs[key]; seen {
			continue
		}
		switch {
		case m[2] != "":
			attrs[key] = m[2]
		case m[3] != "":
			attrs[key] = m[3]
		default:
			attrs[key] = m[4]
		}
	}
	return attrs
}

// DocumentTitle returns the raw text of the first <title> element.
func DocumentTitle(doc string) string {
	m := titleRe.FindStringSubmatch(commentRe.ReplaceAllString(doc, ""))
	if m == nil {
		return ""
	}
	return m[1]
}
