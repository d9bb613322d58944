package nostrd

// DefaultBatchSize is how many pubkeys fit in one subscription filter before
// a new one is opened. Relays reject oversized filters.
const DefaultBatchSize = 100

// Batcher packs pubkeys into subscription filter batches of bounded size.
// Removed slots are reused by later additions.
type Batcher struct {
	batchSize int

	batches [][]string
	index   map[string]int
}

// NewBatcher creates a batcher with the given batch size, or
// DefaultBatchSize when zero.
func NewBatcher(batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Batcher{
		batchSize: batchSize,
		index:     make(map[string]int),
	}
}

// Add places a pubkey into a batch and returns the index of the batch that
// changed, or -1 if the pubkey was already present.
func (b *Batcher) Add(pubkey string) int {
	if _, ok := b.index[pubkey]; ok {
		return -1
	}

	for i := range b.batches {
		if len(b.batches[i]) < b.batchSize {
			b.batches[i] = append(b.batches[i], pubkey)
			b.index[pubkey] = i

			return i
		}
	}

	b.batches = append(b.batches, []string{pubkey})
	b.index[pubkey] = len(b.batches) - 1

	return len(b.batches) - 1
}

// Remove drops a pubkey and returns the index of the batch that changed, or
// -1 if the pubkey was not present.
func (b *Batcher) Remove(pubkey string) int {
	i, ok := b.index[pubkey]
	if !ok {
		return -1
	}
	delete(b.index, pubkey)

	batch := b.batches[i]
	for j, pk := range batch {
		if pk == pubkey {
			batch[j] = batch[len(batch)-1]
			b.batches[i] = batch[:len(batch)-1]
			break
		}
	}

	return i
}

// Batches returns the current batches. Empty batches are kept so indices
// stay stable.
func (b *Batcher) Batches() [][]string {
	return b.batches
}
