package indexer

// Readers runs the readers of every configured (chain, event type)
// stream as one service.
type Readers struct {
	readers []*Reader
}

// NewReaders builds the collection.
func NewReaders(readers ...*Reader) *Readers {
	return &Readers{readers: readers}
}

// Add appends a reader before the collection starts.
func (r *Readers) Add(reader *Reader) {
	r.readers = append(r.readers, reader)
}

// Empty reports whether any stream is configured.
func (r *Readers) Empty() bool {
	return len(r.readers) == 0
}

// Start starts every reader loop.
func (r *Readers) Start() {
	for _, reader := range r.readers {
		reader.Start()
	}
}

// Stop stops every reader loop.
func (r *Readers) Stop() error {
	for _, reader := range r.readers {
		_ = reader.Stop()
	}
	return nil
}

// Status reports the first unhealthy reader.
func (r *Readers) Status() error {
	for _, reader := range r.readers {
		if err := reader.Status(); err != nil {
			return err
		}
	}
	return nil
}
