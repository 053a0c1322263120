package conn

import (
	"sync"
)

// defaultPlainSize is used for plain connections when no application
// buffer size was configured.
const defaultPlainSize = 4 * 1024

// Pool recycles connection buffers by capacity. One Pool is shared by all
// listeners of a process; the buffers it hands out are owned exclusively
// by one connection until released.
type Pool struct {
	mu    sync.Mutex
	sizes map[int]*sync.Pool

	allocated int64 // buffers created because the pool was empty
}

// NewPool creates an empty buffer pool.
func NewPool() *Pool {
	return &Pool{sizes: make(map[int]*sync.Pool)}
}

func (p *Pool) get(size int) []byte {
	p.mu.Lock()
	sp, ok := p.sizes[size]
	if !ok {
		sp = &sync.Pool{}
		p.sizes[size] = sp
	}
	p.mu.Unlock()

	if v := sp.Get(); v != nil {
		return *(v.(*[]byte))
	}
	p.mu.Lock()
	p.allocated++
	p.mu.Unlock()
	return make([]byte, size)
}

func (p *Pool) put(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	p.mu.Lock()
	sp, ok := p.sizes[len(b)]
	p.mu.Unlock()
	if !ok {
		return
	}
	sp.Put(&b)
}

// Allocated returns how many buffers the pool had to allocate.
func (p *Pool) Allocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// NewBufferSet returns an empty BufferSet drawing from p.
func (p *Pool) NewBufferSet() *BufferSet {
	return &BufferSet{pool: p}
}

// BufferSet holds the buffers of one connection.
//
// Data is the plaintext application buffer the frame reader decodes from.
// Send and Recv hold transport-encoded bytes while an encrypted session is
// negotiated. Once the handshake is done Send is dropped and Recv carries
// on as SSL, the post-handshake receive buffer.
type BufferSet struct {
	pool *Pool

	appSize       int
	transportSize int

	Data []byte
	Send []byte
	Recv []byte
	SSL  []byte

	encrypted bool
	released  bool
}

// Setup records the capacities used by the Init methods.
func (b *BufferSet) Setup(appSize, transportSize int) {
	b.appSize = appSize
	b.transportSize = transportSize
}

// InitPlain allocates the single application buffer of a plain connection.
func (b *BufferSet) InitPlain() {
	size := b.appSize
	if size <= 0 {
		size = defaultPlainSize
	}
	b.Data = b.pool.get(size)
	b.encrypted = false
}

// InitEncrypted allocates the application buffer plus separate send and
// receive transport buffers.
func (b *BufferSet) InitEncrypted() {
	appSize, transportSize := b.appSize, b.transportSize
	if appSize <= 0 {
		appSize = defaultPlainSize
	}
	if transportSize <= 0 {
		transportSize = appSize
	}
	b.Data = b.pool.get(appSize)
	b.Send = b.pool.get(transportSize)
	b.Recv = b.pool.get(transportSize)
	b.encrypted = true
}

// FinalizeHandshake releases the handshake send buffer and reuses the raw
// receive buffer as the post-handshake receive buffer. No memory is
// allocated.
func (b *BufferSet) FinalizeHandshake() {
	if b.Send != nil {
		b.pool.put(b.Send)
	}
	b.Send = nil
	b.SSL = b.Recv
}

// Downgrade turns an encrypted set into a plain one when the peer turned
// out not to speak TLS. The receive buffer, which may already hold the
// peer's first bytes, becomes the application buffer.
func (b *BufferSet) Downgrade() {
	if b.Send != nil {
		b.pool.put(b.Send)
	}
	if b.Data != nil {
		b.pool.put(b.Data)
	}
	b.Send = nil
	b.Data = b.Recv
	b.Recv = nil
	b.SSL = nil
	b.encrypted = false
}

// Encrypted reports whether the set is in the encrypted layout.
func (b *BufferSet) Encrypted() bool {
	return b.encrypted
}

// Release hands every buffer back to the pool. It is safe to call more
// than once.
func (b *BufferSet) Release() {
	if b.released {
		return
	}
	b.released = true

	// SSL aliases Recv; put the shared array back only once.
	for _, buf := range [][]byte{b.Data, b.Send, b.Recv} {
		if buf != nil {
			b.pool.put(buf)
		}
	}
	b.Data, b.Send, b.Recv, b.SSL = nil, nil, nil, nil
}
