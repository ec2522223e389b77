package scoring

import (
	"sort"
	"strings"
)

// Attribute is one of the four personality attributes.
type Attribute string

const (
	AttrStrength     Attribute = "str"
	AttrIntelligence Attribute = "int"
	AttrCreativity   Attribute = "cre"
	AttrSocial       Attribute = "soc"
)

// AttributeOrder is the tie-break order for aspect selection.
var AttributeOrder = []Attribute{AttrStrength, AttrIntelligence, AttrCreativity, AttrSocial}

// ParseAttribute reads an attribute key case-insensitively.
func ParseAttribute(s string) (Attribute, bool) {
	a := Attribute(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AttributeOrder {
		if a == known {
			return a, true
		}
	}
	return "", false
}

// Attributes holds weighted xp per attribute.
type Attributes struct {
	STR float64 `json:"str"`
	INT float64 `json:"int"`
	CRE float64 `json:"cre"`
	SOC float64 `json:"soc"`
}

// Get returns the value for a.
func (a Attributes) Get(attr Attribute) float64 {
	switch attr {
	case AttrStrength:
		return a.STR
	case AttrIntelligence:
		return a.INT
	case AttrCreativity:
		return a.CRE
	case AttrSocial:
		return a.SOC
	}
	return 0
}

func (a *Attributes) add(attr Attribute, v float64) {
	switch attr {
	case AttrStrength:
		a.STR += v
	case AttrIntelligence:
		a.INT += v
	case AttrCreativity:
		a.CRE += v
	case AttrSocial:
		a.SOC += v
	}
}

// Dominant returns the attribute with the highest value, ties resolved in
// AttributeOrder. It returns "" when every value is zero or below.
func (a Attributes) Dominant() Attribute {
	var best Attribute
	bestVal := 0.0
	for _, attr := range AttributeOrder {
		if v := a.Get(attr); v > bestVal {
			best, bestVal = attr, v
		}
	}
	return best
}

func sortedCategoryNames(m map[string]Category) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
