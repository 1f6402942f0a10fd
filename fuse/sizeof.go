package fuse

import "reflect"

// unsafeSizeof reports the in-memory size of a fixed-layout struct value,
// used to locate the inline name/data payload that follows a request's
// fixed-size prefix under the modern protocol layout.
func unsafeSizeof(v interface{}) uintptr {
	return reflect.TypeOf(v).Size()
}
