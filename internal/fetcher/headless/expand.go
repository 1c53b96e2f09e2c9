package headless

import "github.com/JakeFAU/bandcamp-crawler/internal/crawler"

const (
	// clickReleaseMore clicks every visible "more" link under the supporter
	// grid and the release description.
	clickReleaseMore = `(() => {
  let n = 0;
  document.querySelectorAll('a.more-writing, a.more-thumbs').forEach(a => {
    if (a.offsetParent !== null) { a.click(); n++; }
  });
  return n;
})()`

	// scrollCollection presses "show more" once if present, then scrolls to
	// the bottom so the grid requests its next page.
	scrollCollection = `(() => {
  const b = document.querySelector('button.show-more');
  if (b && b.offsetParent !== null) { b.click(); }
  window.scrollTo(0, document.body.scrollHeight);
  return 1;
})()`

	countCollection = `document.querySelectorAll('li[id*="collection-item-container"]').length`
)

type expansionPlan struct {
	clickScript string
	countScript string
	rounds      int
	target      int
	lastCount   int
	stalled     int
}

func planExpansion(request crawler.FetchRequest, rounds int) *expansionPlan {
	switch request.Kind {
	case crawler.KindRelease:
		return &expansionPlan{clickScript: clickReleaseMore, rounds: rounds}
	case crawler.KindUser:
		return &expansionPlan{
			clickScript: scrollCollection,
			countScript: countCollection,
			rounds:      rounds,
			target:      request.ExpectedItems,
			lastCount:   -1,
		}
	default:
		return &expansionPlan{}
	}
}

// done reports whether scrolling can stop: the advertised count is loaded,
// or the grid stopped growing for three rounds.
func (p *expansionPlan) done(items int) bool {
	if p.target > 0 && items >= p.target {
		return true
	}
	if items <= p.lastCount {
		p.stalled++
	} else {
		p.stalled = 0
	}
	p.lastCount = items
	return p.stalled >= 3
}
