package helper

import (
	"strconv"
)

func Interface2String(v interface{}) (rv string, ok bool) {
	if v == nil {
		return
	}
	rv, ok = v.(string)
	return
}

// Interface2ID renders a document id. Numeric ids are formatted the way a
// JSON decoder would have produced them.
func Interface2ID(v interface{}) (rv string, ok bool) {
	if rv, ok = Interface2String(v); ok {
		return
	}
	fv, ok := v.(float64)
	if !ok {
		return
	}
	rv = strconv.FormatFloat(fv, 'f', -1, 64)
	return
}
