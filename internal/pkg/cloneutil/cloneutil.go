package cloneutil

// Ptr returns a pointer to a copy of *src, or nil.
func Ptr[T any](src *T) *T {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}
