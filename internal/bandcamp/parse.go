package bandcamp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

const (
	artistNameSelector   = "#band-name-location .title"
	musicGridSelector    = "ol#music-grid li.music-grid-item"
	discographySelector  = "#discography li .trackTitle a[href]"
	releaseTitleSelector = "#name-section .trackTitle"
	releaseByLineLink    = "#name-section h3 a[href]"
	releaseByLineName    = "#name-section h3 span"
	creditsSelector      = ".tralbumData.tralbum-credits"
	tagSelector          = "a.tag"
	supporterSelector    = "div.deets.populated a.pic[href]"
	fanNameSelector      = ".fan-bio .name span"
	collectionCountSel   = "li[data-tab=\"collection\"] span.count, span.count"
	collectionItemSel    = "ol.collection-grid a.item-link[href]"
)

var releasedYear = regexp.MustCompile(`(?i)released?\s+(?:[a-z]+\s+\d{1,2},\s+)?(\d{4})`)

// parseArtist reads the artist name and the release grid of an artist page.
func parseArtist(doc *goquery.Document, pageURL string) (crawler.ArtistRecord, []string, error) {
	name := text(doc.Find(artistNameSelector))
	if name == "" {
		name = meta(doc, "og:site_name")
	}
	grid := doc.Find(musicGridSelector)
	if name == "" && grid.Length() == 0 {
		return crawler.ArtistRecord{}, nil, fmt.Errorf("artist page %s has no name or music grid: %w", pageURL, crawler.ErrMalformed)
	}

	var links []string
	grid.Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		links = appendResolved(links, pageURL, href)
	})
	doc.Find(discographySelector).Each(func(_ int, a *goquery.Selection) {
		links = appendResolved(links, pageURL, a.AttrOr("href", ""))
	})
	return crawler.ArtistRecord{Name: name}, links, nil
}

// parseRelease reads album or track metadata and the supporter thumbnails.
func parseRelease(doc *goquery.Document, pageURL string) (crawler.ReleaseRecord, []string, error) {
	title := text(doc.Find(releaseTitleSelector).First())
	if title == "" {
		return crawler.ReleaseRecord{}, nil, fmt.Errorf("release page %s has no title: %w", pageURL, crawler.ErrMalformed)
	}

	rec := crawler.ReleaseRecord{Name: title}
	byLine := doc.Find(releaseByLineLink).First()
	if byLine.Length() > 0 {
		rec.ArtistName = text(byLine)
		rec.ArtistURL = resolve(pageURL, byLine.AttrOr("href", ""))
	}
	if rec.ArtistName == "" {
		rec.ArtistName = text(doc.Find(releaseByLineName).First())
	}
	if rec.ArtistName == "" {
		rec.ArtistName = text(doc.Find(artistNameSelector).First())
	}
	rec.Year = parseYear(text(doc.Find(creditsSelector)))

	seen := make(map[string]struct{})
	doc.Find(tagSelector).Each(func(_ int, a *goquery.Selection) {
		tag := strings.ToLower(text(a))
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		rec.Tags = append(rec.Tags, tag)
	})

	var links []string
	doc.Find(supporterSelector).Each(func(_ int, a *goquery.Selection) {
		links = appendResolved(links, pageURL, a.AttrOr("href", ""))
	})
	if rec.ArtistURL != "" {
		links = append(links, rec.ArtistURL)
	}
	return rec, links, nil
}

// parseUser reads a fan profile and its collection grid. The collection is
// both the record payload and the outbound links.
func parseUser(doc *goquery.Document, pageURL string, maxCollection int) (crawler.UserRecord, []string, error) {
	grid := doc.Find("ol.collection-grid")
	if grid.Length() == 0 {
		return crawler.UserRecord{}, nil, fmt.Errorf("user page %s has no collection grid: %w", pageURL, crawler.ErrMalformed)
	}
	if count := collectionCount(doc); maxCollection > 0 && count > maxCollection {
		return crawler.UserRecord{}, nil, fmt.Errorf("collection of %s has %d items (max %d): %w", pageURL, count, maxCollection, crawler.ErrTooLarge)
	}

	name := text(doc.Find(fanNameSelector).First())
	if name == "" {
		name = strings.TrimSuffix(meta(doc, "og:title"), " | Bandcamp")
	}
	if name == "" {
		name = lastSegment(pageURL)
	}

	var collection []string
	doc.Find(collectionItemSel).Each(func(_ int, a *goquery.Selection) {
		collection = appendResolved(collection, pageURL, a.AttrOr("href", ""))
	})
	links := append([]string(nil), collection...)
	return crawler.UserRecord{Name: name, Collection: collection}, links, nil
}

// collectionCount returns the advertised collection size, or 0 if the page
// does not show one.
func collectionCount(doc *goquery.Document) int {
	raw := text(doc.Find(collectionCountSel).First())
	raw = strings.ReplaceAll(raw, ",", "")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func collectionItems(doc *goquery.Document) int {
	return doc.Find(collectionItemSel).Length()
}

func parseYear(credits string) int {
	m := releasedYear.FindStringSubmatch(credits)
	if m == nil {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return year
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func meta(doc *goquery.Document, property string) string {
	content, _ := doc.Find(fmt.Sprintf("meta[property=%q]", property)).Attr("content")
	return strings.TrimSpace(content)
}

func resolve(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	abs, err := crawler.ResolveReference(pageURL, href)
	if err != nil {
		return ""
	}
	return abs
}

func appendResolved(links []string, pageURL, href string) []string {
	if abs := resolve(pageURL, href); abs != "" {
		return append(links, abs)
	}
	return links
}

func lastSegment(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
