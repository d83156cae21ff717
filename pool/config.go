package pool

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config sizes a pool. It is copied by New and cannot change afterward.
type Config struct {
	// MaxTotal caps the number of live values, idle and leased together
	MaxTotal int `validate:"gte=1"`
	// MaxIdle caps the number of idle values kept for reuse
	MaxIdle int `validate:"gte=0,ltefield=MaxTotal"`
	// MaxWait bounds how long Borrow blocks once MaxTotal values are leased.
	// Zero fails immediately, a negative value waits until the context ends.
	MaxWait time.Duration
	// TestOnBorrow validates idle values before handing them out
	TestOnBorrow bool
	// TestOnReturn validates values on Release
	TestOnReturn bool
}

// DefaultConfig returns the configuration used when none is supplied
func DefaultConfig() Config {
	return Config{
		MaxTotal:     8,
		MaxIdle:      8,
		MaxWait:      5 * time.Second,
		TestOnBorrow: true,
		TestOnReturn: false,
	}
}

// Validate checks the configuration bounds
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}
