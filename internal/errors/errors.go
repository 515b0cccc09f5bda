// Package errors defines the error taxonomy shared by every attitude
// component: registration errors surfaced synchronously, recoverable parse
// and hook errors, build errors, and fatal configuration and I/O errors.
package errors

import (
	"errors"
	"sync"
)

// Collector gathers the errors of independent steps so they can be reported
// together once every step ran.
type Collector struct {
	errs  []error
	mutex sync.Mutex
}

// NewCollector creates a new error collector
func NewCollector() *Collector {
	return &Collector{}
}

// Add records err. Nil errors are ignored.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.errs = append(c.errs, err)
}

// HasErrors returns true if there are any errors
func (c *Collector) HasErrors() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.errs) > 0
}

// Err joins the collected errors, or returns nil when there are none.
func (c *Collector) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return errors.Join(c.errs...)
}
