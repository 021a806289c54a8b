// Package transform turns collected HTML into typed entities.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Entity kinds produced by the transformers.
const (
	KindEvent     = "event"
	KindVenue     = "venue"
	KindPerformer = "performer"
	KindPage      = "page"
)

// ErrNoEntities is returned when a document holds nothing recognisable.
var ErrNoEntities = errors.New("no entities found")

var kindsByType = map[string]string{
	"event":                 KindEvent,
	"musicevent":            KindEvent,
	"theaterevent":          KindEvent,
	"comedyevent":           KindEvent,
	"danceevent":            KindEvent,
	"sportsevent":           KindEvent,
	"festival":              KindEvent,
	"screeningevent":        KindEvent,
	"place":                 KindVenue,
	"musicvenue":            KindVenue,
	"eventvenue":            KindVenue,
	"performingartstheater": KindVenue,
	"stadiumorarena":        KindVenue,
	"nightclub":             KindVenue,
	"barorpub":              KindVenue,
	"person":                KindPerformer,
	"performinggroup":       KindPerformer,
	"musicgroup":            KindPerformer,
	"theatergroup":          KindPerformer,
	"dancegroup":            KindPerformer,
	"sportsteam":            KindPerformer,
}

// JSONLD extracts schema.org events, venues and performers from
// application/ld+json blocks.
type JSONLD struct{}

// NewJSONLD creates a JSONLD transformer.
func NewJSONLD() *JSONLD {
	return &JSONLD{}
}

var _ pipeline.Transformer = (*JSONLD)(nil)

// Transform parses raw HTML and returns the entities it describes.
func (t *JSONLD) Transform(_ context.Context, raw []byte) ([]pipeline.Entity, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	c := newCollector()
	var decodeErrs int
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		var payload any
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			decodeErrs++
			return
		}
		for _, node := range flatten(payload) {
			c.node(node)
		}
	})

	if len(c.entities) == 0 {
		if decodeErrs > 0 {
			return nil, fmt.Errorf("%w: %d malformed json-ld blocks", ErrNoEntities, decodeErrs)
		}
		return nil, ErrNoEntities
	}
	return c.entities, nil
}

// flatten unwraps arrays and @graph containers into individual objects.
func flatten(v any) []map[string]any {
	switch val := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	case map[string]any:
		if graph, ok := val["@graph"]; ok {
			return flatten(graph)
		}
		return []map[string]any{val}
	default:
		return nil
	}
}

type collector struct {
	entities []pipeline.Entity
	seen     map[string]int
}

func newCollector() *collector {
	return &collector{seen: make(map[string]int)}
}

func (c *collector) add(e pipeline.Entity) string {
	if e.Slug == "" {
		return ""
	}
	key := e.Kind + "/" + e.Slug
	if idx, ok := c.seen[key]; ok {
		for k, v := range e.Attributes {
			if _, exists := c.entities[idx].Attributes[k]; !exists {
				c.entities[idx].Attributes[k] = v
			}
		}
		return e.Slug
	}
	c.seen[key] = len(c.entities)
	c.entities = append(c.entities, e)
	return e.Slug
}

func (c *collector) node(node map[string]any) string {
	switch kindOf(node) {
	case KindEvent:
		return c.event(node)
	case KindVenue:
		return c.venue(node)
	case KindPerformer:
		return c.performer(node)
	default:
		return ""
	}
}

func (c *collector) event(node map[string]any) string {
	name := str(node["name"])
	if name == "" {
		return ""
	}
	start := str(node["startDate"])
	slugSource := name
	if len(start) >= 10 {
		slugSource += " " + start[:10]
	}
	attrs := map[string]any{}
	setIf(attrs, "start_date", start)
	setIf(attrs, "end_date", str(node["endDate"]))
	setIf(attrs, "description", str(node["description"]))
	setIf(attrs, "url", str(node["url"]))
	setIf(attrs, "image", firstString(node["image"]))
	setIf(attrs, "status", typeName(str(node["eventStatus"])))
	if offers := offersOf(node["offers"]); len(offers) > 0 {
		attrs["offers"] = offers
	}

	for _, loc := range flatten(node["location"]) {
		if slug := c.venue(loc); slug != "" {
			attrs["venue"] = slug
			break
		}
	}
	var performers []string
	for _, p := range flatten(node["performer"]) {
		if slug := c.performer(p); slug != "" {
			performers = append(performers, slug)
		}
	}
	if len(performers) > 0 {
		attrs["performers"] = performers
	}

	return c.add(pipeline.Entity{Kind: KindEvent, Slug: Slugify(slugSource), Name: name, Attributes: attrs})
}

func (c *collector) venue(node map[string]any) string {
	name := str(node["name"])
	if name == "" {
		return ""
	}
	attrs := map[string]any{}
	setIf(attrs, "url", str(node["url"]))
	switch addr := node["address"].(type) {
	case string:
		setIf(attrs, "address", addr)
	case map[string]any:
		setIf(attrs, "street", str(addr["streetAddress"]))
		setIf(attrs, "locality", str(addr["addressLocality"]))
		setIf(attrs, "region", str(addr["addressRegion"]))
		setIf(attrs, "postal_code", str(addr["postalCode"]))
		setIf(attrs, "country", firstString(addr["addressCountry"]))
	}
	if geo, ok := node["geo"].(map[string]any); ok {
		if lat, ok := geo["latitude"]; ok {
			attrs["latitude"] = lat
		}
		if lng, ok := geo["longitude"]; ok {
			attrs["longitude"] = lng
		}
	}
	return c.add(pipeline.Entity{Kind: KindVenue, Slug: Slugify(name), Name: name, Attributes: attrs})
}

func (c *collector) performer(node map[string]any) string {
	name := str(node["name"])
	if name == "" {
		return ""
	}
	attrs := map[string]any{}
	setIf(attrs, "url", str(node["url"]))
	setIf(attrs, "type", typeName(firstString(node["@type"])))
	setIf(attrs, "same_as", firstString(node["sameAs"]))
	return c.add(pipeline.Entity{Kind: KindPerformer, Slug: Slugify(name), Name: name, Attributes: attrs})
}

func offersOf(v any) []map[string]any {
	var out []map[string]any
	for _, offer := range flatten(v) {
		o := map[string]any{}
		if price, ok := offer["price"]; ok {
			o["price"] = price
		}
		if low, ok := offer["lowPrice"]; ok {
			o["low_price"] = low
		}
		setIf(o, "currency", str(offer["priceCurrency"]))
		setIf(o, "availability", typeName(str(offer["availability"])))
		setIf(o, "url", str(offer["url"]))
		if len(o) > 0 {
			out = append(out, o)
		}
	}
	return out
}

func kindOf(node map[string]any) string {
	switch t := node["@type"].(type) {
	case string:
		return kindsByType[strings.ToLower(typeName(t))]
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				if kind := kindsByType[strings.ToLower(typeName(s))]; kind != "" {
					return kind
				}
			}
		}
	}
	return ""
}

// typeName strips a schema.org URL prefix: "https://schema.org/InStock" -> "InStock".
func typeName(v string) string {
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		return v[i+1:]
	}
	return v
}

func str(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strings.TrimSpace(fmt.Sprint(val))
	default:
		return ""
	}
}

func firstString(v any) string {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if s := firstString(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if url := str(val["url"]); url != "" {
			return url
		}
		return str(val["name"])
	}
	return str(v)
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
