package utils

// Must panics on err, otherwise returns obj. For initialization paths
// where failure is unrecoverable.
func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}
