package store

import (
	"mangolite/cache"
)

// indexCacheCapacity bounds the process-wide index-presence cache (§9
// "global mutable state"): one entry per (database, table, json path) triple
// that EnsureIndexes created an expression index for, across every Instance
// in the process.
const indexCacheCapacity = 1000

// indexPresenceCache answers "does this table have an index usable for this
// JSON path" without re-deriving it from the schema on every compile: the
// compiler consults it through Context.HasIndex when it reduces a
// case-insensitive exact-match $regex, to pick the LOWER(...) = LOWER(?)
// form. No other operator consults it.
var indexPresenceCache cache.Cache[bool] = cache.NewSieveCache[bool](indexCacheCapacity)

func indexCacheKey(filename, table, jsonPath string) string {
	return filename + "|" + table + "|" + jsonPath
}

// recordIndexedPaths marks every path EnsureIndexes just created an
// expression index for, so later HasIndex lookups hit the cache instead of
// re-walking the schema.
func recordIndexedPaths(filename, table string, paths []string) {
	for _, p := range paths {
		indexPresenceCache.Set(indexCacheKey(filename, table, p), true)
	}
}

// hasIndex reports whether jsonPath has a known expression index on table.
// A cache miss is answered as "no index": paths are only ever added by
// recordIndexedPaths at EnsureIndexes time, so a miss means either that no
// index was created for the path or that its entry has since been evicted
// from the bounded cache.
func hasIndex(filename, table, jsonPath string) bool {
	v, err := indexPresenceCache.Get(indexCacheKey(filename, table, jsonPath))
	if err != nil {
		return false
	}
	return v
}
