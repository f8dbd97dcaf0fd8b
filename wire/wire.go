package wire

import (
	"errors"
	"fmt"

	"github.com/10088/haproxy/pool"
)

// Kind identifies what a block carries.
type Kind uint8

const (
	// KindReqLine is a request start line: method, URI, version.
	KindReqLine Kind = iota + 1
	// KindStatusLine is a response start line: version, status, reason.
	KindStatusLine
	// KindHeader is a single header field.
	KindHeader
	// KindEOH marks the end of the header section.
	KindEOH
	// KindData carries a chunk of message payload.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindReqLine:
		return "req-line"
	case KindStatusLine:
		return "status-line"
	case KindHeader:
		return "header"
	case KindEOH:
		return "eoh"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Flags describe the message as a whole.
type Flags uint32

const (
	// FlagEOM marks the message as complete: no further blocks will be
	// added by the producer.
	FlagEOM Flags = 1 << iota
)

// LineFlags qualify a start-line block.
type LineFlags uint32

const (
	// LineV11 marks an HTTP/1.1 start line.
	LineV11 LineFlags = 1 << iota
	// LineBodyless marks a message that carries no payload.
	LineBodyless
	// LineXferLen marks a message whose end is known from its framing
	// rather than from connection close.
	LineXferLen
	// LineNormalizedURI marks a start line whose URI is in absolute form
	// with a normalized authority.
	LineNormalizedURI
	// LineHasScheme marks a start line whose URI carries an explicit
	// scheme.
	LineHasScheme
)

var (
	// ErrFull is returned when a block does not fit in the message's
	// remaining area.
	ErrFull = errors.New("wire: message area full")
	// ErrBadToken is returned when a start-line or header element
	// contains bytes the wire format cannot carry.
	ErrBadToken = errors.New("wire: malformed token")
)

// blockOverhead is the per-block accounting cost charged against the
// message area, covering the block descriptor.
const blockOverhead = 8

type span struct {
	off, length int
}

// Block is one element of a message. Payload bytes live in the owning
// message's area; use the Message accessors to resolve them.
type Block struct {
	kind   Kind
	lflags LineFlags
	status int
	seg    [3]span
	nseg   int
}

// Kind returns the block's kind.
func (b *Block) Kind() Kind { return b.kind }

// Status returns the status code of a status-line block, zero otherwise.
func (b *Block) Status() int { return b.status }

// LineFlags returns the start-line flags, zero for other kinds.
func (b *Block) LineFlags() LineFlags { return b.lflags }

// Message is a block-structured representation of an HTTP message inside
// a fixed-size area. Producers append blocks at the tail; consumers peek
// at the first block and drop it once handled. Payload accessors return
// slices into the area without copying; they are valid until the block is
// dropped or the message released.
type Message struct {
	area   []byte
	src    *pool.Pool
	blocks []Block
	front  int // area offset of the first live payload byte
	used   int // area offset one past the last live payload byte
	flags  Flags
}

// New wraps an existing area.
func New(area []byte) *Message {
	return &Message{area: area}
}

// NewFromPool allocates the message area from p. Release returns it.
func NewFromPool(p *pool.Pool) (*Message, error) {
	area, err := p.Get()
	if err != nil {
		return nil, fmt.Errorf("allocating message area: %w", err)
	}

	return &Message{area: area, src: p}, nil
}

// Release returns a pool-backed area to its pool and empties the message.
// Safe on nil and on already-released messages.
func (m *Message) Release() {
	if m == nil || m.area == nil {
		return
	}
	if m.src != nil {
		m.src.Put(m.area)
	}
	m.area = nil
	m.blocks = nil
	m.front, m.used = 0, 0
	m.flags = 0
}

// Size returns the fixed area capacity.
func (m *Message) Size() int { return len(m.area) }

// Room returns how many payload bytes the next block may carry, after its
// descriptor overhead is charged.
func (m *Message) Room() int {
	room := len(m.area) - (m.used - m.front) - (len(m.blocks)+1)*blockOverhead
	if room < 0 {
		return 0
	}
	return room
}

// Len returns the number of live blocks.
func (m *Message) Len() int { return len(m.blocks) }

// Empty reports whether no blocks are live.
func (m *Message) Empty() bool { return len(m.blocks) == 0 }

// Flags returns the message flags.
func (m *Message) Flags() Flags { return m.flags }

// AddFlags merges f into the message flags.
func (m *Message) AddFlags(f Flags) { m.flags |= f }

// Reset drops all blocks, payload and flags, keeping the area.
func (m *Message) Reset() {
	m.blocks = m.blocks[:0]
	m.front, m.used = 0, 0
	m.flags = 0
}

// First returns the first live block, or nil when the message is empty.
// The pointer stays valid until the next Drop or add.
func (m *Message) First() *Block {
	if len(m.blocks) == 0 {
		return nil
	}
	return &m.blocks[0]
}

// Drop removes the first block and reclaims its payload accounting.
func (m *Message) Drop() {
	if len(m.blocks) == 0 {
		return
	}

	first := &m.blocks[0]
	for i := 0; i < first.nseg; i++ {
		m.front += first.seg[i].length
	}
	m.blocks = m.blocks[1:]

	if len(m.blocks) == 0 {
		m.blocks = nil
		m.front, m.used = 0, 0
	}
}

// Blocks returns a snapshot of the live blocks, first to last. Intended
// for diagnostics; accessors still resolve against the message.
func (m *Message) Blocks() []Block {
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// compact slides live payload bytes to the start of the area. Front
// consumption and tail production keep live payloads contiguous, so a
// single copy suffices; block spans are rebased.
func (m *Message) compact() {
	if m.front == 0 {
		return
	}
	copy(m.area, m.area[m.front:m.used])
	delta := m.front
	for i := range m.blocks {
		for s := 0; s < m.blocks[i].nseg; s++ {
			m.blocks[i].seg[s].off -= delta
		}
	}
	m.front = 0
	m.used -= delta
}

// grab reserves n payload bytes at the tail, compacting first when the
// contiguous tail space is short. Callers must have checked Room.
func (m *Message) grab(n int) span {
	if m.used+n > len(m.area) {
		m.compact()
	}
	s := span{off: m.used, length: n}
	m.used += n
	return s
}

func (m *Message) put(s string) span {
	sp := m.grab(len(s))
	copy(m.area[sp.off:], s)
	return sp
}

// AddRequestLine appends a request start line. It fails with [ErrBadToken]
// on an invalid method, URI or version, and with [ErrFull] when the line
// does not fit.
func (m *Message) AddRequestLine(method, uri, version string, lf LineFlags) error {
	if !validToken(method) {
		return fmt.Errorf("method %q: %w", method, ErrBadToken)
	}
	if !validURI(uri) {
		return fmt.Errorf("uri %q: %w", uri, ErrBadToken)
	}
	if !validVersion(version) {
		return fmt.Errorf("version %q: %w", version, ErrBadToken)
	}
	if m.Room() < len(method)+len(uri)+len(version) {
		return ErrFull
	}

	blk := Block{kind: KindReqLine, lflags: lf, nseg: 3}
	blk.seg[0] = m.put(method)
	blk.seg[1] = m.put(uri)
	blk.seg[2] = m.put(version)
	m.blocks = append(m.blocks, blk)

	return nil
}

// AddStatusLine appends a response start line.
func (m *Message) AddStatusLine(version string, status int, reason string) error {
	if !validVersion(version) {
		return fmt.Errorf("version %q: %w", version, ErrBadToken)
	}
	if !validFieldValue(reason) {
		return fmt.Errorf("reason %q: %w", reason, ErrBadToken)
	}
	if m.Room() < len(version)+len(reason) {
		return ErrFull
	}

	blk := Block{kind: KindStatusLine, status: status, nseg: 2}
	blk.seg[0] = m.put(version)
	blk.seg[1] = m.put(reason)
	m.blocks = append(m.blocks, blk)

	return nil
}

// AddHeader appends one header field.
func (m *Message) AddHeader(name, value string) error {
	if !validToken(name) {
		return fmt.Errorf("header name %q: %w", name, ErrBadToken)
	}
	if !validFieldValue(value) {
		return fmt.Errorf("header %s value: %w", name, ErrBadToken)
	}
	if m.Room() < len(name)+len(value) {
		return ErrFull
	}

	blk := Block{kind: KindHeader, nseg: 2}
	blk.seg[0] = m.put(name)
	blk.seg[1] = m.put(value)
	m.blocks = append(m.blocks, blk)

	return nil
}

// AddEOH appends the end-of-headers marker. It carries no payload, only
// its descriptor overhead.
func (m *Message) AddEOH() error {
	if len(m.area)-(m.used-m.front)-(len(m.blocks)+1)*blockOverhead < 0 {
		return ErrFull
	}

	m.blocks = append(m.blocks, Block{kind: KindEOH})

	return nil
}

// AddData appends payload bytes, copying as much of p as fits and
// returning the count. When the previous block is a data block it is
// extended in place instead of a new block being appended.
func (m *Message) AddData(p []byte) int {
	if len(p) == 0 {
		return 0
	}

	// Extending the trailing data block costs no extra descriptor.
	if n := len(m.blocks); n > 0 {
		last := &m.blocks[n-1]
		if last.kind == KindData && last.seg[0].off+last.seg[0].length == m.used {
			room := len(m.area) - (m.used - m.front) - len(m.blocks)*blockOverhead
			c := min(len(p), room)
			if c <= 0 {
				return 0
			}
			if m.used+c > len(m.area) {
				m.compact()
			}
			copy(m.area[m.used:], p[:c])
			last.seg[0].length += c
			m.used += c
			return c
		}
	}

	c := min(len(p), m.Room())
	if c <= 0 {
		return 0
	}

	blk := Block{kind: KindData, nseg: 1}
	sp := m.grab(c)
	copy(m.area[sp.off:], p[:c])
	blk.seg[0] = sp
	m.blocks = append(m.blocks, blk)

	return c
}

func (m *Message) segBytes(s span) []byte {
	return m.area[s.off : s.off+s.length : s.off+s.length]
}

// Method resolves the method of a request-line block.
func (m *Message) Method(b *Block) []byte { return m.segBytes(b.seg[0]) }

// URI resolves the URI of a request-line block.
func (m *Message) URI(b *Block) []byte { return m.segBytes(b.seg[1]) }

// Version resolves the protocol version of a start-line block.
func (m *Message) Version(b *Block) []byte {
	if b.kind == KindStatusLine {
		return m.segBytes(b.seg[0])
	}
	return m.segBytes(b.seg[2])
}

// Reason resolves the reason phrase of a status-line block.
func (m *Message) Reason(b *Block) []byte { return m.segBytes(b.seg[1]) }

// Name resolves a header block's field name.
func (m *Message) Name(b *Block) []byte { return m.segBytes(b.seg[0]) }

// Value resolves a header block's field value.
func (m *Message) Value(b *Block) []byte { return m.segBytes(b.seg[1]) }

// Payload resolves a data block's bytes.
func (m *Message) Payload(b *Block) []byte { return m.segBytes(b.seg[0]) }

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenByte(s[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func validURI(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return false
		}
	}
	return true
}

func validVersion(s string) bool {
	const prefix = "HTTP/"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return false
	}
	for i := len(prefix); i < len(s); i++ {
		c := s[i]
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func validFieldValue(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' || s[i] == 0 {
			return false
		}
	}
	return true
}
