package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

// CardsName is the label of the card layout extractor.
const CardsName = "staff-cards"

var (
	cardSelectors = strings.Join([]string{
		`[itemtype*="schema.org/Person"]`,
		".staff-member",
		".staff-card",
		".staff-item",
		".sidearm-staff-member",
		".team-member",
		".faculty-member",
		".profile-card",
		".directory-item",
		".person",
	}, ", ")

	cardNameSelectors = []string{
		`[itemprop="name"]`,
		".staff-name", ".name", ".person-name", ".member-name",
		"h3", "h4", "h2", "h5", "strong",
	}

	cardTitleSelectors = []string{
		`[itemprop="jobTitle"]`,
		".staff-title", ".title", ".job-title", ".position", ".role",
	}

	categoryAttrs = []string{"data-category", "data-department", "data-group"}

	categoryContainers = ".staff-category, .department, .staff-group, .directory-group"
)

// CardExtractor handles directories that render one element per person.
type CardExtractor struct{}

// NewCardExtractor creates a card layout extractor.
func NewCardExtractor() *CardExtractor {
	return &CardExtractor{}
}

func (e *CardExtractor) Name() string { return CardsName }

func (e *CardExtractor) Extract(doc *goquery.Document, sourceURL string) []domain.StaffRecord {
	var records []domain.StaffRecord
	doc.Find(cardSelectors).Each(func(_ int, card *goquery.Selection) {
		// nested matches belong to the outer card
		if card.ParentsFiltered(cardSelectors).Length() > 0 {
			return
		}
		name := firstText(card, cardNameSelectors...)
		if name == "" || emailPattern.MatchString(name) {
			return
		}
		emails := emailsIn(card)
		records = append(records, domain.StaffRecord{
			Name:       name,
			Title:      cardTitle(card, name),
			Email:      primaryEmail(emails),
			Emails:     emails,
			Phones:     phonesIn(card),
			Category:   cardCategory(card),
			ProfileURL: profileLink(card, sourceURL),
		})
	})
	return records
}

func cardTitle(card *goquery.Selection, name string) string {
	title := firstText(card, cardTitleSelectors...)
	if title == name {
		return ""
	}
	return title
}

// cardCategory resolves a section label from data attributes, a category
// container heading or the nearest preceding heading.
func cardCategory(card *goquery.Selection) string {
	for cur := card; cur.Length() > 0; cur = cur.Parent() {
		for _, attr := range categoryAttrs {
			if v, ok := cur.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		if cur.Is("body") {
			break
		}
	}
	if container := card.Closest(categoryContainers); container.Length() > 0 {
		if h := container.ChildrenFiltered("h1, h2, h3, h4, .category-title").First(); h.Length() > 0 {
			return h.Text()
		}
	}
	return headingBefore(card)
}
