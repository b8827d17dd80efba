package cache

// ResultCache memoizes transformed images by model.TransformRequest.CacheKey.
// Stored buffers must not be mutated by callers.
type ResultCache interface {
	Lookup(key string) ([]byte, bool)
	Insert(key string, value []byte)
	Len() int
	Bytes() int64
}
