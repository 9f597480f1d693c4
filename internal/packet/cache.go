package packet

// envelopeCache holds an envelope's encoded bytes across an emit/consume
// pair when useCache is set (spec §4.2.1, §9 "Envelope caches"). Any
// setter that changes a field contributing to the encoding must call
// invalidate.
type envelopeCache struct {
	enabled bool
	valid   bool
	bytes   []byte
}

func (c *envelopeCache) invalidate() {
	c.valid = false
	c.bytes = nil
}

func (c *envelopeCache) get() ([]byte, bool) {
	if !c.enabled || !c.valid {
		return nil, false
	}
	return c.bytes, true
}

func (c *envelopeCache) store(b []byte) {
	if !c.enabled {
		return
	}
	c.valid = true
	c.bytes = b
}
