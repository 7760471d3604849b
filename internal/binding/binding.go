// Package binding resolves template element content against an external data
// record and instance-scoped content overrides.
//
// Resolution order per element:
//  1. binding rules targeting the element id
//  2. {{path}} placeholders in text/icon content
//  3. content overrides (by id, then <id>_items, then normalized name)
//
// Resolve never mutates its input; it always starts from the immutable
// template definition, so resolving twice yields the same result.
package binding

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"graphics-player/internal/scene"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// ItemsSuffix marks an override key carrying list-valued content
const ItemsSuffix = "_items"

// Record is one external data row
type Record map[string]any

// Rule maps an element property to a field path in a Record
type Rule struct {
	ID         string `json:"id,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	ElementID  string `json:"elementId"`
	Property   string `json:"property,omitempty"` // text, src, icon; empty = by content type
	FieldPath  string `json:"fieldPath"`
	Default    string `json:"defaultValue,omitempty"`
	Formatter  string `json:"formatter,omitempty"`
}

// Context is everything needed to resolve one instance's content
type Context struct {
	Rules     []Rule
	Record    Record
	Overrides map[string]string
}

// Clone returns a deep-enough copy that the caller can merge into safely
func (c Context) Clone() Context {
	out := Context{
		Rules:  append([]Rule(nil), c.Rules...),
		Record: c.Record,
	}
	if c.Overrides != nil {
		out.Overrides = make(map[string]string, len(c.Overrides))
		for k, v := range c.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}

// RulesFor filters rules to those relevant to a template. Rules without a
// template id apply everywhere.
func RulesFor(rules []Rule, templateID string) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.TemplateID == "" || r.TemplateID == templateID {
			out = append(out, r)
		}
	}
	return out
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	fold          = cases.Fold()
	printer       = message.NewPrinter(language.English)
)

// NormalizeName folds case and strips whitespace so "Lower Third" matches "lowerthird"
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(fold.String(name)), "")
}

// Resolve returns resolved copies of elements
func Resolve(elements []scene.Element, ctx Context) []scene.Element {
	if len(elements) == 0 {
		return nil
	}

	byName := make(map[string]string)
	for k, v := range ctx.Overrides {
		if k == "" {
			continue
		}
		byName[NormalizeName(k)] = v
	}

	out := make([]scene.Element, len(elements))
	for i, src := range elements {
		el := src.Clone()

		if ctx.Record != nil {
			for _, rule := range ctx.Rules {
				if rule.ElementID != el.ID {
					continue
				}
				applyValue(&el.Content, rule.Property, resolveRule(rule, ctx.Record))
			}
			substitutePlaceholders(&el.Content, ctx.Record)
		}

		applyOverrides(&el, ctx.Overrides, byName)
		out[i] = el
	}
	return out
}

func applyOverrides(el *scene.Element, overrides, byName map[string]string) {
	if len(overrides) == 0 {
		return
	}
	if v, ok := overrides[el.ID]; ok {
		applyValue(&el.Content, "", v)
	}
	if v, ok := overrides[el.ID+ItemsSuffix]; ok {
		el.Content.Items = ParseItems(v)
	}
	if el.Name == "" {
		return
	}
	if _, byID := overrides[el.ID]; byID {
		return
	}
	if v, ok := byName[NormalizeName(el.Name)]; ok {
		applyValue(&el.Content, "", v)
	}
}

// ParseItems accepts a JSON string array or newline separated text
func ParseItems(v string) []string {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") {
		var items []string
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return items
		}
	}
	if trimmed == "" {
		return []string{}
	}
	lines := strings.Split(trimmed, "\n")
	items := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			items = append(items, l)
		}
	}
	return items
}

// applyValue writes v into the content field addressed by property, or the
// natural field of the content type when property is empty
func applyValue(c *scene.Content, property, v string) {
	switch property {
	case "text":
		c.Text = v
		return
	case "src", "source", "url":
		c.Src = v
		return
	case "icon", "iconName":
		c.Icon = v
		return
	case "items":
		c.Items = ParseItems(v)
		return
	}

	switch {
	case c.Type.IsMedia():
		c.Src = v
	case c.Type == scene.ContentIcon:
		c.Icon = v
	default:
		c.Text = v
	}
}

func resolveRule(rule Rule, record Record) string {
	raw, ok := Lookup(record, rule.FieldPath)
	if !ok || raw == nil {
		return rule.Default
	}
	return Format(raw, rule.Formatter)
}

func substitutePlaceholders(c *scene.Content, record Record) {
	c.Text = substitute(c.Text, record)
	c.Icon = substitute(c.Icon, record)
	for i, item := range c.Items {
		c.Items[i] = substitute(item, record)
	}
}

func substitute(s string, record Record) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		v, ok := Lookup(record, path)
		if !ok || v == nil {
			return ""
		}
		return Format(v, "")
	})
}

// Lookup walks a dotted field path ("team.players.0.name" or "team.players[0].name")
func Lookup(record Record, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || record == nil {
		return nil, false
	}
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)

	var cur any = map[string]any(record)
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Record:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Format renders a record value as display text
func Format(v any, formatter string) string {
	switch formatter {
	case "uppercase":
		return strings.ToUpper(Format(v, ""))
	case "lowercase":
		return strings.ToLower(Format(v, ""))
	case "number":
		if f, ok := toFloat(v); ok {
			return printer.Sprint(number.Decimal(f, number.MaxFractionDigits(2)))
		}
	case "integer":
		if f, ok := toFloat(v); ok {
			return printer.Sprint(number.Decimal(f, number.MaxFractionDigits(0)))
		}
	case "percent":
		if f, ok := toFloat(v); ok {
			return printer.Sprintf("%.1f%%", f)
		}
	}

	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
