package domain

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SubtreeCondition builds a WHERE fragment selecting rows whose path column is root
// or one of its descendants. An empty root selects nothing extra and returns "".
func SubtreeCondition(column, root string) (string, []any) {
	root = strings.TrimRight(strings.TrimSpace(root), PathSeparator)
	if root == "" {
		return "", nil
	}
	if !strings.HasPrefix(root, PathSeparator) {
		root = PathSeparator + root
	}
	cond := "(" + column + " = ? OR " + column + ` LIKE ? ESCAPE '\')`
	return cond, []any{root, likeEscaper.Replace(root) + PathSeparator + "%"}
}
