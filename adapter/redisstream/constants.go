package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldBody       = "body" // raw []byte, no base64
	fieldMetaPrefix = "meta:"
)
