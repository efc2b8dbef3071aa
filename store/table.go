package store

import (
	"fmt"
	"regexp"

	schemapkg "mangolite/schema"
)

// validCollectionName matches the restricted identifier set §D.2 of the
// expanded spec requires: quoting the table name is never necessary because
// the input it's built from never needs quoting in the first place.
var validCollectionName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// tableName derives the table backing one (collection, schemaVersion) pair
// (§3: "a collection + schema version pair always maps to a distinct
// table; schema-version bump means a fresh table").
func tableName(collection string, schemaVersion int) string {
	return fmt.Sprintf("docs_%s_%d", collection, schemaVersion)
}

func validateCollectionName(collection string) error {
	if collection == "" || !validCollectionName.MatchString(collection) {
		return fmt.Errorf("%w: collection name %q must match [A-Za-z0-9_]+", ErrInvalidConfig, collection)
	}
	return nil
}

// createTableDDL returns the DDL statements that bring table into existence
// per §3's layout: the four first-class columns plus the two mandatory
// composite indexes.
func createTableDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			rev TEXT NOT NULL,
			mtime_ms INTEGER NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_deleted_id ON %s (deleted, id)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_mtime_id ON %s (mtime_ms, id)`, table, table),
	}
}

func dropTableDDL(table string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)
}

// expressionIndexDDL returns the CREATE INDEX statements for the common-path
// expression indexes described in §3/§4.3 and resolved in SPEC_FULL.md §D.3:
// one index on the raw json_extract path for every declared string/number
// top-level property, plus a LOWER(...) companion for string properties so
// the smart regex reducer's case-insensitive rewrite has an index to use.
func expressionIndexDDL(table string, s *schemapkg.Schema) []indexDDL {
	var out []indexDDL
	for _, path := range schemapkg.CommonPaths(s) {
		jsonPath := "$." + path
		idxName := fmt.Sprintf("%s_%s", table, sanitizeIdent(path))
		expr := fmt.Sprintf("json_extract(data, '%s')", jsonPath)
		out = append(out, indexDDL{
			Name: idxName,
			SQL:  fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, idxName, table, expr),
			Path: jsonPath,
			Lower: false,
		})
		if s.Properties[path].Type == "string" {
			lowerName := idxName + "_lower"
			lowerExpr := fmt.Sprintf("LOWER(json_extract(data, '%s'))", jsonPath)
			out = append(out, indexDDL{
				Name:  lowerName,
				SQL:   fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, lowerName, table, lowerExpr),
				Path:  jsonPath,
				Lower: true,
			})
		}
	}
	return out
}

type indexDDL struct {
	Name  string
	SQL   string
	Path  string // the JSON1 path this index covers
	Lower bool
}

func sanitizeIdent(path string) string {
	out := make([]byte, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
