package cassandra

import "strings"

// schemaStatements splits Schema on semicolons; CQL sessions run one statement per query
func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(Schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
