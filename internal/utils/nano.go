package utils

import gonanoid "github.com/matoous/go-nanoid/v2"

// Record keys stay alphanumeric so they can sit inside SurrealDB record ids
// and URL path segments without escaping.
const (
	NanoidSize     = 20
	nanoidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NanoID returns a random record key.
func NanoID() string {
	return NanoIDSize(NanoidSize)
}

func NanoIDSize(size int) string {
	if size <= 0 {
		size = NanoidSize
	}

	id, err := gonanoid.Generate(nanoidAlphabet, size)
	if err != nil {
		// only reachable with an invalid alphabet
		panic(err)
	}
	return id
}
