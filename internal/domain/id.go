package domain

import "github.com/google/uuid"

// NewID returns a random identifier for tenants, jobs and items.
func NewID() string { return uuid.NewString() }
