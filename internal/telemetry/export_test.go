package telemetry

// NewBufferedWithConsumer builds a Buffered sink whose drain goroutine hands
// every event to consume. Lets tests observe delivery and block the drain.
func NewBufferedWithConsumer(capacity int, consume func(Event)) *Buffered {
	return newBuffered(capacity, consume)
}
