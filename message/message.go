// Package message defines the conceptual wire shape exchanged between
// the decision engine and its peers. It deliberately stops short of a
// byte-level codec: framing and parsing belong to the surrounding
// network layer.
package message

import (
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// WantType distinguishes a presence-only request from a full block
// request.
type WantType int

const (
	// WantBlock asks the remote to send block data.
	WantBlock WantType = iota
	// WantHave asks the remote only whether it has the block.
	WantHave
)

// Entry is one item of an inbound wantlist update.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     WantType
	Cancel       bool
	SendDontHave bool
}

// BlockPresenceType tags an outbound presence as positive or negative.
type BlockPresenceType int

const (
	Have BlockPresenceType = iota
	DontHave
)

// BlockPresence is a (id, Have|DontHave) pair, sent in lieu of block
// data when the remote only probed, or when the block wasn't found.
type BlockPresence struct {
	Cid  cid.Cid
	Type BlockPresenceType
}

// Message is the mutable outbound unit the engine's workers build up
// before handing it to the outbox. It also describes the inbound shape
// the network layer hands to Engine.MessageReceived.
type Message interface {
	// Full reports whether this message replaces the receiver's
	// wantlist rather than incrementally updating it.
	Full() bool
	SetFull(full bool)

	Wantlist() []Entry
	AddEntry(c cid.Cid, priority int32, wantType WantType, sendDontHave bool) Entry
	Cancel(c cid.Cid)

	Blocks() []blocks.Block
	AddBlock(b blocks.Block)

	BlockPresences() []BlockPresence
	AddBlockPresence(c cid.Cid, t BlockPresenceType)

	// PendingBytes is the remaining queued work for the peer this
	// message targets, seeded into the message so the remote can size
	// its receive buffer.
	PendingBytes() int64
	SetPendingBytes(n int64)

	// Size is the projected on-wire size of the message as currently
	// built, used by Engine.MessageSent for bytes-sent accounting.
	Size() int

	Empty() bool
}

// New returns an empty, mutable Message.
func New(full bool) Message {
	return &impl{full: full}
}

type impl struct {
	full         bool
	entries      []Entry
	blks         []blocks.Block
	presences    []BlockPresence
	pendingBytes int64
}

func (m *impl) Full() bool      { return m.full }
func (m *impl) SetFull(f bool)  { m.full = f }
func (m *impl) Wantlist() []Entry {
	return m.entries
}

func (m *impl) AddEntry(c cid.Cid, priority int32, wantType WantType, sendDontHave bool) Entry {
	e := Entry{Cid: c, Priority: priority, WantType: wantType, SendDontHave: sendDontHave}
	m.entries = append(m.entries, e)
	return e
}

func (m *impl) Cancel(c cid.Cid) {
	m.entries = append(m.entries, Entry{Cid: c, Cancel: true})
}

func (m *impl) Blocks() []blocks.Block { return m.blks }

func (m *impl) AddBlock(b blocks.Block) {
	m.blks = append(m.blks, b)
}

func (m *impl) BlockPresences() []BlockPresence { return m.presences }

func (m *impl) AddBlockPresence(c cid.Cid, t BlockPresenceType) {
	m.presences = append(m.presences, BlockPresence{Cid: c, Type: t})
}

func (m *impl) PendingBytes() int64     { return m.pendingBytes }
func (m *impl) SetPendingBytes(n int64) { m.pendingBytes = n }

// presenceEncodedLen is the flat per-presence byte count added by the
// aggregate Size estimate below. It is a rough figure, smaller than
// the id-plus-status-byte length EncodedLen(c) reports for a real id;
// callers that need the precise figure for a given id should use
// EncodedLen(c) instead.
const presenceEncodedLen = 4

func (m *impl) Size() int {
	total := 0
	for _, b := range m.blks {
		total += len(b.RawData())
	}
	total += len(m.presences) * presenceEncodedLen
	return total
}

func (m *impl) Empty() bool {
	return len(m.blks) == 0 && len(m.presences) == 0 && len(m.entries) == 0
}

// EncodedLen is the projected on-wire cost of a presence entry (Have
// or DontHave) for the given id: the id's binary length plus one
// status byte. Callers size negative-response tasks with this rather
// than the full block size.
func EncodedLen(c cid.Cid) int {
	return len(c.Bytes()) + 1
}
