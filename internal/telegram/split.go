package telegram

// SplitMessage breaks s into parts no longer than limit, preferring to
// break at the last newline within the first limit runes, then the last
// space, and only as a last resort at exactly limit runes. The separator
// consumed (newline or space) is dropped from the stream — rejoining the
// parts with the separator the splitter removed reproduces s.
func SplitMessage(s string, limit int) []string {
	var parts []string
	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		head := runes[:limit]
		if i := lastIndexRune(head, '\n'); i >= 0 {
			parts = append(parts, string(head[:i]))
			runes = runes[i+1:]
			continue
		}
		if j := lastIndexRune(head, ' '); j >= 0 {
			parts = append(parts, string(head[:j]))
			runes = runes[j+1:]
			continue
		}
		parts = append(parts, string(head))
		runes = runes[limit:]
	}
	return parts
}

func lastIndexRune(rs []rune, target rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == target {
			return i
		}
	}
	return -1
}
