package cache

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/umanagarjuna/content-cache/pkg/contentid"
)

const (
	OpItem     = "content:item"
	OpChildren = "content:children"
	OpSearch   = "content:search"
)

// Subsets are the named groups of keys that can be cleared together.
var Subsets = map[string]string{
	"content":  "content:",
	"items":    OpItem,
	"children": OpChildren,
	"search":   OpSearch,
}

// Key derives a cache key from an operation name and its parameters. Nil
// parameters are dropped and the rest are encoded with sorted keys, so two
// requests that mean the same thing share a key.
func Key(op string, params map[string]interface{}) string {
	clean := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isNil(v) {
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return op
	}

	// encoding/json writes map keys in sorted order
	b, err := json.Marshal(clean)
	if err != nil {
		return fmt.Sprintf("%s:%v", op, clean)
	}
	return op + ":" + string(b)
}

func ItemKey(id string) string {
	return Key(OpItem, map[string]interface{}{"id": contentid.Normalize(id)})
}

func ChildrenKey(id string) string {
	return Key(OpChildren, map[string]interface{}{"id": contentid.Normalize(id)})
}

func SearchKey(query string) string {
	return Key(OpSearch, map[string]interface{}{"query": query})
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
