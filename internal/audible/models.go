package audible

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Person is an author or narrator credit.
type Person struct {
	ASIN string `json:"asin"`
	Name string `json:"name"`
}

// Codec describes one downloadable audio encoding.
type Codec struct {
	EnhancedCodec string `json:"enhanced_codec"`
	Name          string `json:"name"`
	Format        string `json:"format"`
}

// Series places an item within a series.
type Series struct {
	ASIN     string `json:"asin"`
	Sequence string `json:"sequence"`
	Title    string `json:"title"`
}

// Relationship links an item to related products, including the component
// parts of a multi-segment book.
type Relationship struct {
	ASIN                  string `json:"asin"`
	RelationshipType      string `json:"relationship_type"`
	RelationshipToProduct string `json:"relationship_to_product"`
	Sort                  string `json:"sort"`
}

// PartRef identifies one independently downloadable segment of an item.
type PartRef struct {
	ASIN     string `json:"asin"`
	Sequence int    `json:"sequence"`
}

// Item is one catalog entry from the library listing.
type Item struct {
	ASIN            string            `json:"asin"`
	Title           string            `json:"title"`
	Subtitle        string            `json:"subtitle"`
	Authors         []Person          `json:"authors"`
	Narrators       []Person          `json:"narrators"`
	Relationships   []Relationship    `json:"relationships"`
	RuntimeMinutes  int               `json:"runtime_length_min"`
	PurchaseDate    string            `json:"purchase_date"`
	ReleaseDate     string            `json:"release_date"`
	ProductImages   map[string]string `json:"product_images"`
	AvailableCodecs []Codec           `json:"available_codecs"`
	PublisherName   string            `json:"publisher_name"`
	Summary         string            `json:"merchandising_summary"`
	IsPlayable      bool              `json:"is_playable"`
	Series          []Series          `json:"series"`
}

// Parts returns the item's component segments in ascending sequence order.
// Items with no component children download as a single segment.
func (i *Item) Parts() []PartRef {
	parts := make([]PartRef, 0, len(i.Relationships))
	for _, rel := range i.Relationships {
		if rel.RelationshipToProduct != "child" || rel.RelationshipType != "component" {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSpace(rel.Sort))
		if err != nil {
			continue
		}
		parts = append(parts, PartRef{ASIN: rel.ASIN, Sequence: seq})
	}
	sort.Slice(parts, func(a, b int) bool { return parts[a].Sequence < parts[b].Sequence })
	return parts
}

// FullTitle joins title and subtitle for display.
func (i *Item) FullTitle() string {
	if strings.TrimSpace(i.Subtitle) == "" {
		return i.Title
	}
	return i.Title + ": " + i.Subtitle
}

// AuthorNames returns the author display names in credit order.
func (i *Item) AuthorNames() []string {
	return personNames(i.Authors)
}

// NarratorNames returns the narrator display names in credit order.
func (i *Item) NarratorNames() []string {
	return personNames(i.Narrators)
}

func personNames(people []Person) []string {
	names := make([]string, 0, len(people))
	for _, p := range people {
		if strings.TrimSpace(p.Name) != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

var titleFolder = cases.Fold()

// SortKey returns a case-folded key for stable title ordering.
func (i *Item) SortKey() string {
	return titleFolder.String(strings.TrimSpace(i.Title))
}

// SafeFileName strips characters that cannot appear in file names and
// normalizes whitespace. Used for download directories and merged output.
func SafeFileName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
		"\"", "", "<", "", ">", "", "|", "",
	)
	return strings.TrimSpace(strings.Join(strings.Fields(replacer.Replace(name)), " "))
}

type libraryResponse struct {
	Items []Item `json:"items"`
}

type itemResponse struct {
	Item Item `json:"item"`
}
