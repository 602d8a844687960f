package document

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const deckSchema = `{
  "type": "object",
  "required": ["slides"],
  "properties": {
    "title": {"type": "string"},
    "slides": {
      "type": "array",
      "minItems": 1,
      "items": {
        "oneOf": [
          {"type": "string"},
          {
            "type": "object",
            "properties": {
              "title": {"type": "string"},
              "content": {"type": "string"},
              "bullets": {"type": "array", "items": {"type": "string"}}
            },
            "additionalProperties": false
          }
        ]
      }
    }
  }
}`

func compileDeckSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("deck.json", strings.NewReader(deckSchema)); err != nil {
		return nil, err
	}
	return c.Compile("deck.json")
}

type jsonSlide struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Bullets []string `json:"bullets"`
}

func parseJSONDeck(schema *jsonschema.Schema, data []byte) ([]Slide, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("json deck: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("json deck: schema: %w", err)
	}
	var deck struct {
		Slides []json.RawMessage `json:"slides"`
	}
	if err := json.Unmarshal(data, &deck); err != nil {
		return nil, fmt.Errorf("json deck: %w", err)
	}
	slides := make([]Slide, 0, len(deck.Slides))
	for i, raw := range deck.Slides {
		var texts []string
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			texts = []string{s}
		} else {
			var js jsonSlide
			if err := json.Unmarshal(raw, &js); err != nil {
				return nil, fmt.Errorf("json deck: slide %d: %w", i+1, err)
			}
			texts = append(texts, js.Title, js.Content)
			texts = append(texts, js.Bullets...)
		}
		slides = append(slides, newSlide(i+1, texts))
	}
	return slides, nil
}
