package id

import "github.com/google/uuid"

// Generator hands out random UUIDv4 strings.
type Generator struct{}

func (Generator) NewID() string { return uuid.NewString() }
