package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Fetch modes for catalog definitions.
const (
	ModeHTTP     = "http"
	ModeHeadless = "headless"
	// ModeAuto fetches over HTTP and re-renders in the browser when the
	// page looks like an empty application shell.
	ModeAuto = "auto"
)

// Definition describes a selector-driven catalog scraper.
type Definition struct {
	Name          string `mapstructure:"name" json:"name"`
	DisplayName   string `mapstructure:"display_name" json:"display_name"`
	URL           string `mapstructure:"url" json:"url"`
	Mode          string `mapstructure:"mode" json:"mode"`
	ItemSelector  string `mapstructure:"item_selector" json:"item_selector"`
	NameSelector  string `mapstructure:"name_selector" json:"name_selector"`
	PriceSelector string `mapstructure:"price_selector" json:"price_selector"`
	// LinkSelector locates the product anchor inside an item. Empty uses the item itself.
	LinkSelector string `mapstructure:"link_selector" json:"link_selector,omitempty"`
	ItemIDAttr   string `mapstructure:"item_id_attr" json:"item_id_attr,omitempty"`
	// Currency is used when price text carries no currency marker.
	Currency     string `mapstructure:"currency" json:"currency,omitempty"`
	WaitSelector string `mapstructure:"wait_selector" json:"wait_selector,omitempty"`
}

// Validate checks required fields and normalizes the mode.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("scraper name is required")
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("scraper %s: url must be absolute http(s), got %q", d.Name, d.URL)
	}
	if d.Mode == "" {
		d.Mode = ModeHTTP
	}
	switch d.Mode {
	case ModeHTTP, ModeHeadless, ModeAuto:
	default:
		return fmt.Errorf("scraper %s: mode must be %q, %q or %q", d.Name, ModeHTTP, ModeHeadless, ModeAuto)
	}
	if d.ItemSelector == "" || d.NameSelector == "" {
		return fmt.Errorf("scraper %s: item_selector and name_selector are required", d.Name)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	return nil
}

// Extract pulls products out of doc. Items without a name are skipped and
// relative links resolve against pageURL.
func (d Definition) Extract(doc *goquery.Document, pageURL string) []scrape.Product {
	base, _ := url.Parse(pageURL)
	products := []scrape.Product{}
	doc.Find(d.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		name := cleanText(item.Find(d.NameSelector).First().Text())
		if name == "" {
			return
		}
		p := scrape.Product{Name: name, Currency: d.Currency}
		if d.PriceSelector != "" {
			price, currency := ParsePrice(item.Find(d.PriceSelector).First().Text())
			p.Price = price
			if currency != "" {
				p.Currency = currency
			}
		}
		link := item
		if d.LinkSelector != "" {
			link = item.Find(d.LinkSelector).First()
		}
		if href, ok := link.Attr("href"); ok {
			p.URL = resolve(base, href)
		}
		if d.ItemIDAttr != "" {
			p.ItemID = strings.TrimSpace(item.AttrOr(d.ItemIDAttr, ""))
		}
		products = append(products, p)
	})
	return products
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
