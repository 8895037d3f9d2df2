package bids

import (
	"slices"
	"strings"

	"smripostlinc/pkg/errors"
)

// DefaultPathPatterns lay out the outputs of this pipeline. Syntax:
//
//	{name}           required attribute
//	{name<a|b>}      attribute restricted to the listed values
//	{name|default}   attribute with a fallback value
//	[...]            optional section, dropped unless all its attributes are set
var DefaultPathPatterns = []string{
	"sub-{subject}[/ses-{session}]/{datatype<anat>|anat}/sub-{subject}[_ses-{session}][_hemi-{hemi}][_space-{space}][_seg-{seg}][_stat-{statistic}][_desc-{desc}]_{suffix<morph>}{extension<.tsv|.json>|.tsv}",
	"sub-{subject}[/ses-{session}]/{datatype<anat>|anat}/sub-{subject}[_ses-{session}]_hemi-{hemi}[_space-{space}][_seg-{seg}][_desc-{desc}]_{suffix<dseg>}{extension<.annot|.label.gii|.json>}",
	"atlases/atlas-{atlas}/atlas-{atlas}[_hemi-{hemi}][_space-{space}][_den-{den}][_res-{res}][_desc-{desc}]_{suffix<dseg>}{extension<.tsv|.json|.annot|.label.gii|.nii.gz|.dlabel.nii>}",
	"sub-{subject}/{datatype<figures>}/sub-{subject}[_ses-{session}][_seg-{seg}][_desc-{desc}]_{suffix}{extension<.html|.svg|.png>}",
}

type patternToken struct {
	name     string
	options  []string
	fallback string
}

type patternPart struct {
	literal  string
	token    *patternToken
	optional []patternPart
}

// PathPattern is a parsed output path template.
type PathPattern struct {
	raw   string
	parts []patternPart
	names []string
}

// ParsePathPattern parses one template.
func ParsePathPattern(pattern string) (*PathPattern, error) {
	p := &PathPattern{raw: pattern}
	parts, rest, err := parseParts(pattern, false, p)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, errors.Newf("unbalanced ']' in path pattern %q", pattern)
	}
	p.parts = parts
	return p, nil
}

func parseParts(s string, nested bool, p *PathPattern) ([]patternPart, string, error) {
	var parts []patternPart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, patternPart{literal: lit.String()})
			lit.Reset()
		}
	}
	for len(s) > 0 {
		switch s[0] {
		case '[':
			if nested {
				return nil, "", errors.Newf("nested optional section in path pattern %q", p.raw)
			}
			flush()
			inner, rest, err := parseParts(s[1:], true, p)
			if err != nil {
				return nil, "", err
			}
			if !strings.HasPrefix(rest, "]") {
				return nil, "", errors.Newf("unterminated '[' in path pattern %q", p.raw)
			}
			parts = append(parts, patternPart{optional: inner})
			s = rest[1:]
		case ']':
			flush()
			return parts, s, nil
		case '{':
			end := strings.IndexByte(s, '}')
			if end < 0 {
				return nil, "", errors.Newf("unterminated '{' in path pattern %q", p.raw)
			}
			flush()
			tok := parseToken(s[1:end])
			parts = append(parts, patternPart{token: &tok})
			if !slices.Contains(p.names, tok.name) {
				p.names = append(p.names, tok.name)
			}
			s = s[end+1:]
		default:
			lit.WriteByte(s[0])
			s = s[1:]
		}
	}
	flush()
	return parts, "", nil
}

func parseToken(body string) patternToken {
	var tok patternToken
	if i := strings.IndexByte(body, '<'); i >= 0 {
		if j := strings.IndexByte(body[i:], '>'); j >= 0 {
			tok.options = strings.Split(body[i+1:i+j], "|")
			body = body[:i] + body[i+j+1:]
		}
	}
	tok.name, tok.fallback, _ = strings.Cut(body, "|")
	return tok
}

// Names lists the attributes the pattern refers to.
func (p *PathPattern) Names() []string { return slices.Clone(p.names) }

// Build renders the pattern for ents. It returns false when a required
// attribute is missing, a value is outside a token's options, or ents holds
// an attribute the pattern cannot place.
func (p *PathPattern) Build(ents Entities) (string, bool) {
	for k := range ents {
		if !slices.Contains(p.names, k) {
			return "", false
		}
	}
	var b strings.Builder
	if !renderParts(p.parts, ents, &b, false) {
		return "", false
	}
	return b.String(), true
}

func renderParts(parts []patternPart, ents Entities, b *strings.Builder, optional bool) bool {
	for _, part := range parts {
		switch {
		case part.token != nil:
			v, ok := ents[part.token.name]
			if !ok {
				if optional || part.token.fallback == "" {
					return false
				}
				v = part.token.fallback
			}
			if len(part.token.options) > 0 && !slices.Contains(part.token.options, v) {
				return false
			}
			b.WriteString(v)
		case part.optional != nil:
			var sec strings.Builder
			if renderParts(part.optional, ents, &sec, true) {
				b.WriteString(sec.String())
			} else if sectionInvalid(part.optional, ents) {
				return false
			}
		default:
			b.WriteString(part.literal)
		}
	}
	return true
}

// sectionInvalid reports whether an optional section was dropped because a
// present value broke its options rather than because a value was missing.
func sectionInvalid(parts []patternPart, ents Entities) bool {
	for _, part := range parts {
		if part.token == nil {
			continue
		}
		if v, ok := ents[part.token.name]; ok && len(part.token.options) > 0 && !slices.Contains(part.token.options, v) {
			return true
		}
	}
	return false
}

// BuildPath renders the first pattern that accepts ents.
func BuildPath(patterns []*PathPattern, ents Entities) (string, error) {
	for _, p := range patterns {
		if out, ok := p.Build(ents); ok {
			return out, nil
		}
	}
	return "", errors.Newf("no path pattern accepts entities %v", ents)
}
