package libxr

import "github.com/sirupsen/logrus"

// Callback completes by calling a function. The function runs on whatever
// goroutine completes the request; when inISR is true it must not block.
type Callback struct {
	fn       func(inISR bool, err error)
	fallible bool
}

func NewCallback(fn func(inISR bool, err error)) *Callback {
	if fn == nil {
		panic("libxr: callback must be a function")
	}
	return &Callback{fn: fn}
}

// Fallible makes the callback recover its own panics. A recovered panic is
// logged and does not reach the driver.
func (c *Callback) Fallible() *Callback {
	c.fallible = true
	return c
}

func (c *Callback) Kind() OpKind   { return OpCallback }
func (c *Callback) MarkAsRunning() {}
func (c *Callback) sealed()        {}

func (c *Callback) UpdateStatus(inISR bool, err error) {
	if c.fallible {
		defer func() {
			if p := recover(); p != nil {
				Logger().WithFields(logrus.Fields{
					"kind":  OpCallback,
					"inISR": inISR,
				}).Warnf("callback panicked: %+v", p)
			}
		}()
	}
	c.fn(inISR, err)
}
