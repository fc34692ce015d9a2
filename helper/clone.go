package helper

import (
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/patdz/ddp/proto"
	"github.com/pkg/errors"
	"github.com/tiendc/go-deepcopy"
)

// CloneArgs returns a deep copy of method or subscription arguments.
func CloneArgs(args []interface{}) ([]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	var out []interface{}
	if err := deepcopy.Copy(&out, args); err != nil {
		return nil, errors.Wrap(err, "clone arguments")
	}
	return out, nil
}

// CloneDocument returns a deep copy of doc. A nil document stays nil.
func CloneDocument(doc proto.Document) proto.Document {
	if doc == nil {
		return nil
	}
	var out proto.Document
	if err := deepcopy.Copy(&out, doc); err != nil {
		// Documents come from JSON decoding or from stubs; fall back to a
		// shallow copy rather than losing the record.
		out = make(proto.Document, len(doc))
		for k, v := range doc {
			out[k] = v
		}
	}
	return out
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// Equal compares two values by deep value equality.
func Equal(a, b interface{}) bool {
	return cmp.Equal(a, b, exportAll)
}
