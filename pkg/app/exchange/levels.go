package exchange

import "sort"

func sortLevels(levels []BookLevel, asc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if asc {
			return levels[i].Price < levels[j].Price
		}
		return levels[i].Price > levels[j].Price
	})
}
