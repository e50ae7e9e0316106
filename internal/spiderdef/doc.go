// Package spiderdef compiles spider modules into runnable job types.
//
// A module is a YAML document that declares one or more spiders. Each
// spider lists its start URLs, the selectors used by its parse,
// parse_record and parse_search callbacks, and an optional search URL
// template. Compilation validates every selector and template up front so
// a broken module fails when it is loaded rather than mid-crawl.
package spiderdef
