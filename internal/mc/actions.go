package mc

import "github.com/respu/go-mainmemory/internal/sched"

// Action is the descriptor a partition operation fills in and reads
// back. Compound command semantics are built by running several of
// these inside one serialized section.
type Action struct {
	Key  []byte
	Hash uint32 // partition bits already shifted out
	Part *Partition

	NewEntry *Entry
	OldEntry *Entry

	Stamp      uint64
	MatchStamp bool

	RefOldOnFailure bool
	RefNewOnSuccess bool

	EntryMatch bool
}

// actLookup sets OldEntry to the matching live entry, referenced, or
// nil.
func (p *Partition) actLookup(a *Action) {
	e := p.lookup(a.Hash, a.Key)
	if e != nil {
		e.Ref()
	}
	a.OldEntry = e
}

// actDelete removes the matching entry; OldEntry keeps a reference to
// the removed entry so the caller can report on it.
func (p *Partition) actDelete(a *Action) {
	e := p.lookup(a.Hash, a.Key)
	if e != nil {
		e.Ref()
		p.unlink(e)
	}
	a.OldEntry = e
}

// actCreate allocates a detached entry sized for the action's key and
// the requested value length. NewEntry is nil on resource exhaustion.
func (p *Partition) actCreate(ec *sched.Core, a *Action, valLen int) {
	a.NewEntry = p.create(ec, len(a.Key), valLen)
	if a.NewEntry != nil {
		copy(a.NewEntry.data, a.Key)
		a.NewEntry.hash = a.Hash
	}
}

// actCancel frees a created-but-uninserted entry.
func (p *Partition) actCancel(a *Action) {
	if a.NewEntry != nil {
		p.eng.releaseLocal(a.NewEntry)
		a.NewEntry = nil
	}
}

// actInsert links NewEntry, assuming no live match exists.
func (p *Partition) actInsert(a *Action) {
	p.link(a.NewEntry)
	if a.RefNewOnSuccess {
		a.NewEntry.Ref()
	}
	a.EntryMatch = true
}

// actUpdate replaces an existing entry with NewEntry. With MatchStamp
// set the replacement only happens when the current stamp equals
// Stamp; the outcome lands in EntryMatch and the reference policy
// flags decide what the caller keeps.
func (p *Partition) actUpdate(a *Action) {
	old := p.lookup(a.Hash, a.Key)
	if old == nil || (a.MatchStamp && old.stamp != a.Stamp) {
		a.EntryMatch = false
		if old != nil && a.RefOldOnFailure {
			old.Ref()
			a.OldEntry = old
		}
		return
	}
	p.unlink(old)
	p.link(a.NewEntry)
	if a.RefNewOnSuccess {
		a.NewEntry.Ref()
	}
	a.EntryMatch = true
}

// actUpsert inserts or replaces.
func (p *Partition) actUpsert(a *Action) {
	if old := p.lookup(a.Hash, a.Key); old != nil {
		p.unlink(old)
	}
	p.link(a.NewEntry)
	if a.RefNewOnSuccess {
		a.NewEntry.Ref()
	}
	a.EntryMatch = true
}
