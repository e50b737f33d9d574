package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/digkill/lumifybot/internal/models"
)

// ErrUnknownKey is returned for style, substyle or packet keys the catalog does not know.
var ErrUnknownKey = errors.New("unknown catalog key")

//go:embed data/catalog.yaml
var defaultDocument []byte

// Option is a key with its display title, in catalog order.
type Option struct {
	Key   string
	Title string
}

type substyleDoc struct {
	Key    string `yaml:"key"`
	Title  string `yaml:"title"`
	Prompt string `yaml:"prompt"`
}

type styleDoc struct {
	Key       string        `yaml:"key"`
	Title     string        `yaml:"title"`
	Substyles []substyleDoc `yaml:"substyles"`
}

type document struct {
	Styles  []styleDoc      `yaml:"styles"`
	Packets []models.Packet `yaml:"packets"`
}

type style struct {
	title     string
	substyles []substyleDoc
	byKey     map[models.SubstyleKey]substyleDoc
	byTitle   map[string]models.SubstyleKey
}

// Catalog is the immutable registry of styles, substyles, prompts and packets.
type Catalog struct {
	order        []models.StyleKey
	styles       map[models.StyleKey]*style
	styleByTitle map[string]models.StyleKey
	packets      []models.Packet
	packetByKey  map[string]models.Packet
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultDocument))
}

// LoadFile reads a catalog from a YAML file on disk.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates a YAML catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return build(doc)
}

func build(doc document) (*Catalog, error) {
	if len(doc.Styles) == 0 {
		return nil, errors.New("catalog has no styles")
	}

	c := &Catalog{
		styles:       make(map[models.StyleKey]*style, len(doc.Styles)),
		styleByTitle: make(map[string]models.StyleKey, len(doc.Styles)),
		packetByKey:  make(map[string]models.Packet, len(doc.Packets)),
	}

	for _, sd := range doc.Styles {
		key := models.StyleKey(sd.Key)
		switch {
		case sd.Key == "":
			return nil, errors.New("style with empty key")
		case sd.Title == "":
			return nil, fmt.Errorf("style %s: empty title", sd.Key)
		case len(sd.Substyles) == 0:
			return nil, fmt.Errorf("style %s: no substyles", sd.Key)
		}
		if _, dup := c.styles[key]; dup {
			return nil, fmt.Errorf("duplicate style key %s", sd.Key)
		}
		if other, dup := c.styleByTitle[sd.Title]; dup {
			return nil, fmt.Errorf("style %s: title %q already used by %s", sd.Key, sd.Title, other)
		}

		st := &style{
			title:     sd.Title,
			substyles: sd.Substyles,
			byKey:     make(map[models.SubstyleKey]substyleDoc, len(sd.Substyles)),
			byTitle:   make(map[string]models.SubstyleKey, len(sd.Substyles)),
		}
		for _, sub := range sd.Substyles {
			subKey := models.SubstyleKey(sub.Key)
			switch {
			case sub.Key == "":
				return nil, fmt.Errorf("style %s: substyle with empty key", sd.Key)
			case sub.Title == "":
				return nil, fmt.Errorf("substyle %s/%s: empty title", sd.Key, sub.Key)
			case sub.Prompt == "":
				return nil, fmt.Errorf("substyle %s/%s: empty prompt", sd.Key, sub.Key)
			}
			if _, dup := st.byKey[subKey]; dup {
				return nil, fmt.Errorf("style %s: duplicate substyle key %s", sd.Key, sub.Key)
			}
			if _, dup := st.byTitle[sub.Title]; dup {
				return nil, fmt.Errorf("style %s: duplicate substyle title %q", sd.Key, sub.Title)
			}
			st.byKey[subKey] = sub
			st.byTitle[sub.Title] = subKey
		}

		c.order = append(c.order, key)
		c.styles[key] = st
		c.styleByTitle[sd.Title] = key
	}

	for _, p := range doc.Packets {
		switch {
		case p.Key == "":
			return nil, errors.New("packet with empty key")
		case p.Label == "":
			return nil, fmt.Errorf("packet %s: empty label", p.Key)
		case p.PriceMinorUnits <= 0:
			return nil, fmt.Errorf("packet %s: price must be positive", p.Key)
		case p.Credits <= 0:
			return nil, fmt.Errorf("packet %s: credits must be positive", p.Key)
		}
		if _, dup := c.packetByKey[p.Key]; dup {
			return nil, fmt.Errorf("duplicate packet key %s", p.Key)
		}
		c.packets = append(c.packets, p)
		c.packetByKey[p.Key] = p
	}

	return c, nil
}

// Styles lists main styles in display order.
func (c *Catalog) Styles() []Option {
	out := make([]Option, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, Option{Key: string(key), Title: c.styles[key].title})
	}
	return out
}

func (c *Catalog) TitleFor(key models.StyleKey) (string, error) {
	st, ok := c.styles[key]
	if !ok {
		return "", fmt.Errorf("style %q: %w", key, ErrUnknownKey)
	}
	return st.title, nil
}

// SubstylesOf lists the substyles of a main style in display order.
func (c *Catalog) SubstylesOf(key models.StyleKey) ([]Option, error) {
	st, ok := c.styles[key]
	if !ok {
		return nil, fmt.Errorf("style %q: %w", key, ErrUnknownKey)
	}
	out := make([]Option, 0, len(st.substyles))
	for _, sub := range st.substyles {
		out = append(out, Option{Key: sub.Key, Title: sub.Title})
	}
	return out, nil
}

func (c *Catalog) PromptFor(key models.StyleKey, sub models.SubstyleKey) (string, error) {
	st, ok := c.styles[key]
	if !ok {
		return "", fmt.Errorf("style %q: %w", key, ErrUnknownKey)
	}
	entry, ok := st.byKey[sub]
	if !ok {
		return "", fmt.Errorf("substyle %q of %q: %w", sub, key, ErrUnknownKey)
	}
	return entry.Prompt, nil
}

// StyleByTitle resolves a main style from its exact display title.
func (c *Catalog) StyleByTitle(title string) (models.StyleKey, bool) {
	key, ok := c.styleByTitle[title]
	return key, ok
}

// SubstyleByTitle resolves a substyle title within the given style only. The
// same title may appear under several styles.
func (c *Catalog) SubstyleByTitle(key models.StyleKey, title string) (models.SubstyleKey, bool) {
	st, ok := c.styles[key]
	if !ok {
		return "", false
	}
	sub, ok := st.byTitle[title]
	return sub, ok
}

func (c *Catalog) Packets() []models.Packet {
	out := make([]models.Packet, len(c.packets))
	copy(out, c.packets)
	return out
}

func (c *Catalog) Packet(key string) (models.Packet, error) {
	p, ok := c.packetByKey[key]
	if !ok {
		return models.Packet{}, fmt.Errorf("packet %q: %w", key, ErrUnknownKey)
	}
	return p, nil
}
