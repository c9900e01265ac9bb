package offers

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/safar/pos-core/internal/models"
	"gopkg.in/yaml.v3"
)

var ErrOfferNotFound = errors.New("offers: offer not found")

// Catalog is an immutable, code-indexed offer list.
type Catalog struct {
	offers []models.Offer
	byCode map[string]int
}

type catalogFile struct {
	Offers []models.Offer `yaml:"offers"`
}

func NewCatalog(offers []models.Offer) (*Catalog, error) {
	c := &Catalog{byCode: make(map[string]int, len(offers))}
	for _, offer := range offers {
		if err := models.Validate(offer); err != nil {
			return nil, fmt.Errorf("offer %q: %w", offer.Code, err)
		}
		if _, dup := c.byCode[offer.Code]; dup {
			return nil, fmt.Errorf("offer %q: duplicate code", offer.Code)
		}
		c.byCode[offer.Code] = len(c.offers)
		c.offers = append(c.offers, offer)
	}
	return c, nil
}

// ParseCatalog reads a YAML document with a top-level "offers" list.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode offer catalog: %w", err)
	}
	return NewCatalog(file.Offers)
}

// LoadCatalog reads the catalog at path. A missing file yields an empty
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCatalog(nil)
		}
		return nil, fmt.Errorf("open offer catalog: %w", err)
	}
	defer f.Close()

	return ParseCatalog(f)
}

func (c *Catalog) Offers() []models.Offer {
	if c == nil {
		return nil
	}
	return c.offers
}

func (c *Catalog) Get(code string) (models.Offer, error) {
	if c != nil {
		if i, ok := c.byCode[code]; ok {
			return c.offers[i], nil
		}
	}
	return models.Offer{}, fmt.Errorf("%w: %s", ErrOfferNotFound, code)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.offers)
}
