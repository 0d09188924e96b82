package utils

import "strconv"

func uintStr(v uint) string { return strconv.FormatUint(uint64(v), 10) }

func intStr(v int) string { return strconv.Itoa(v) }

// ParseUintList parses a comma separated list of ids, ignoring blanks
func ParseUintList(s string) ([]uint, error) {
	var out []uint
	for _, field := range SplitList(s) {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, uint(v))
	}
	return out, nil
}
