package gate

import "strings"

// Any match approves unless a strong negative is present.
var architecturalIndicators = []string{
	// exteriors
	"House", "Building", "Architecture", "Residential Building", "Housing", "Facade", "Roof",
	// "Mansion" is left out: it contains the strong negative "man".
	"Home", "Cottage", "Villa", "Apartment Building", "Townhouse", "Bungalow", "Cabin",
	"Porch", "Balcony", "Window", "Door", "Garage", "Driveway", "Fence",
	"Yard", "Garden", "Lawn", "Backyard", "Front Yard", "Patio", "Deck", "Landscaping",

	// interiors
	"Room", "Living Room", "Kitchen", "Bathroom", "Bedroom", "Dining Room",
	"Interior Design", "Indoors", "Furniture", "Cabinet", "Counter", "Fireplace",
	"Ceiling", "Floor", "Wall", "Hardwood Floor", "Tile Floor", "Staircase",

	// materials and features
	"Brick", "Stone", "Siding", "Stucco", "Wood", "Concrete",
	"Shingle", "Metal Roof", "Chimney", "Gutter", "Trim", "Column",
}

// Always reject, even next to architectural evidence.
var strongNegatives = []string{
	"Person", "Human", "Face", "People", "Man", "Woman", "Child",
	"Nudity", "Explicit", "Violence", "Weapon", "Drug",
}

// Only reject when nothing architectural was found.
var contextualNegatives = []string{
	"Animal", "Dog", "Cat", "Pet", "Wildlife",
	"Vehicle Only", "Car Interior", "Truck Interior",
}

type wordList []string

func newWordList(words []string) wordList {
	out := make(wordList, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}

var (
	indicatorWords  = newWordList(architecturalIndicators)
	strongWords     = newWordList(strongNegatives)
	contextualWords = newWordList(contextualNegatives)
)

// matches reports whether name contains a listed term or is contained in
// one, ignoring case. Blank names never match.
func (l wordList) matches(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	for _, w := range l {
		if strings.Contains(n, w) || strings.Contains(w, n) {
			return true
		}
	}
	return false
}
