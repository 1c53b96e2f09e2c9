// Package bandcamp turns Bandcamp artist, release and fan pages into crawl
// records. Pages are fetched with a plain HTTP probe and, when they hide
// supporters or collection items behind "more" controls, re-fetched through
// a headless browser before being parsed with goquery.
package bandcamp
