// Package reqcache coalesces and caches idempotent Discord requests.
//
// RequestCacher serves one shared slot (for example "list all discovery
// categories"); KeyedRequestCacher serves one slot per key (for example "is
// this discovery term valid"). Both run at most one request per slot at a time,
// hand every concurrent caller the same outcome, and fall back to the last
// cached value when a request fails for connectivity reasons. Platform errors
// are never masked.
package reqcache
