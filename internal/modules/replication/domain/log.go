package domain

import (
	"fmt"
	"sort"
)

// Range is an inclusive span of sequence numbers.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// SyncWindow bounds how far past an origin's tip a command may be buffered,
// and how many positions a single gap fill request or answer may cover.
const SyncWindow uint64 = 1024

func (r Range) Contains(seq uint64) bool {
	return seq >= r.From && seq <= r.To
}

// Len is the number of positions in r.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Limit shortens r to at most n positions.
func (r Range) Limit(n uint64) Range {
	if r.Len() > n {
		r.To = r.From + n - 1
	}
	return r
}

// Clip returns the parts of ranges that fall inside allowed. Only the first
// SyncWindow entries of ranges are considered.
func Clip(ranges, allowed []Range) []Range {
	if uint64(len(ranges)) > SyncWindow {
		ranges = ranges[:SyncWindow]
	}
	var out []Range
	for _, r := range ranges {
		for _, a := range allowed {
			from, to := max(r.From, a.From), min(r.To, a.To)
			if from <= to {
				out = append(out, Range{From: from, To: to})
			}
		}
	}
	return out
}

// originLog holds one origin's commands. Tip is the highest sequence up to
// which every position is present, pruned, or an accepted hole.
type originLog struct {
	tip     uint64
	entries map[uint64]Command
	pruned  map[uint64]struct{}
	holes   map[uint64]struct{}
	buffer  map[uint64]Command
	partial bool
}

func newOriginLog() *originLog {
	return &originLog{
		entries: map[uint64]Command{},
		pruned:  map[uint64]struct{}{},
		holes:   map[uint64]struct{}{},
		buffer:  map[uint64]Command{},
	}
}

func (o *originLog) settled(seq uint64) bool {
	if _, ok := o.entries[seq]; ok {
		return true
	}
	if _, ok := o.pruned[seq]; ok {
		return true
	}
	_, ok := o.holes[seq]
	return ok
}

// advance moves the tip over settled and buffered positions and returns the
// buffered commands that became applicable, in order.
func (o *originLog) advance() []Command {
	var applied []Command
	for {
		next := o.tip + 1
		if cmd, ok := o.buffer[next]; ok {
			delete(o.buffer, next)
			o.entries[next] = cmd
			o.tip = next
			applied = append(applied, cmd)
			continue
		}
		if o.settled(next) {
			o.tip = next
			continue
		}
		return applied
	}
}

// missing lists the unfilled spans between the tip and the highest buffered
// command. Only the gaps between buffered positions are walked, and the
// buffer never reaches past tip+SyncWindow.
func (o *originLog) missing() []Range {
	if len(o.buffer) == 0 {
		return nil
	}
	ahead := make([]uint64, 0, len(o.buffer))
	for seq := range o.buffer {
		ahead = append(ahead, seq)
	}
	sort.Slice(ahead, func(i, j int) bool { return ahead[i] < ahead[j] })
	var gaps []uint64
	prev := o.tip
	for _, seq := range ahead {
		for p := prev + 1; p < seq; p++ {
			if !o.settled(p) {
				gaps = append(gaps, p)
			}
		}
		prev = seq
	}
	return Collapse(gaps)
}

// InsertResult reports what happened to one inserted command.
type InsertResult struct {
	// Applied holds the commands that became contiguous, starting with the
	// inserted one when it was next in line.
	Applied   []Command
	Duplicate bool
	Buffered  bool
	// Ahead is set when the command lies beyond tip+SyncWindow. It is
	// neither stored nor buffered and must be fetched again later.
	Ahead bool
	// Missing lists gaps that must be requested before Applied can grow.
	Missing []Range
}

// Log is the per-origin command log. It is not safe for concurrent use.
type Log struct {
	origins map[string]*originLog
}

func NewLog() *Log {
	return &Log{origins: map[string]*originLog{}}
}

func (l *Log) origin(name string) *originLog {
	o, ok := l.origins[name]
	if !ok {
		o = newOriginLog()
		l.origins[name] = o
	}
	return o
}

// Insert places a verified command. A command already present with the same
// checksum is a silent duplicate; one with a different checksum is a
// protocol error. Commands beyond the tip are buffered and never applied
// early; those past the sync window are dropped.
func (l *Log) Insert(cmd Command) (InsertResult, error) {
	if tip := l.Tip(cmd.Origin); cmd.Seq > tip && cmd.Seq-tip > SyncWindow {
		return InsertResult{Ahead: true}, nil
	}
	o := l.origin(cmd.Origin)
	if cmd.Seq <= o.tip {
		if existing, ok := o.entries[cmd.Seq]; ok && existing.Checksum != cmd.Checksum {
			return InsertResult{}, fmt.Errorf("%w: conflicting command at %s", ErrProtocol, cmd.Ref())
		}
		return InsertResult{Duplicate: true}, nil
	}
	if existing, ok := o.buffer[cmd.Seq]; ok {
		if existing.Checksum != cmd.Checksum {
			return InsertResult{}, fmt.Errorf("%w: conflicting command at %s", ErrProtocol, cmd.Ref())
		}
		return InsertResult{Duplicate: true, Buffered: true, Missing: o.missing()}, nil
	}
	o.buffer[cmd.Seq] = cmd
	applied := o.advance()
	if len(applied) == 0 {
		return InsertResult{Buffered: true, Missing: o.missing()}, nil
	}
	return InsertResult{Applied: applied, Missing: o.missing()}, nil
}

// AcceptHoles records positions that no peer can provide. The origin is
// marked partial and any buffered commands behind the holes are released.
// Positions beyond tip+SyncWindow are ignored.
func (l *Log) AcceptHoles(origin string, ranges []Range) (accepted []uint64, applied []Command) {
	o := l.origin(origin)
	limit := o.tip + SyncWindow
	for _, r := range ranges {
		from, to := r.From, r.To
		if from <= o.tip {
			from = o.tip + 1
		}
		if to > limit {
			to = limit
		}
		for seq := from; seq <= to; seq++ {
			if o.settled(seq) {
				continue
			}
			if _, ok := o.buffer[seq]; ok {
				continue
			}
			o.holes[seq] = struct{}{}
			accepted = append(accepted, seq)
		}
	}
	if len(accepted) > 0 {
		o.partial = true
	}
	return accepted, o.advance()
}

// Tip returns the contiguous tip of origin.
func (l *Log) Tip(origin string) uint64 {
	if o, ok := l.origins[origin]; ok {
		return o.tip
	}
	return 0
}

// Tips returns the contiguous tip of every known origin.
func (l *Log) Tips() map[string]uint64 {
	out := make(map[string]uint64, len(l.origins))
	for name, o := range l.origins {
		if o.tip > 0 {
			out[name] = o.tip
		}
	}
	return out
}

func (l *Log) Partial(origin string) bool {
	o, ok := l.origins[origin]
	return ok && o.partial
}

func (l *Log) Missing(origin string) []Range {
	if o, ok := l.origins[origin]; ok {
		return o.missing()
	}
	return nil
}

// Origins lists known origins in order.
func (l *Log) Origins() []string {
	out := make([]string, 0, len(l.origins))
	for name := range l.origins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the command stored at ref.
func (l *Log) Get(ref Ref) (Command, bool) {
	o, ok := l.origins[ref.Origin]
	if !ok {
		return Command{}, false
	}
	cmd, ok := o.entries[ref.Seq]
	return cmd, ok
}

// Range returns stored commands of origin within r, clipped to the tip and
// to SyncWindow positions. Positions at or below the tip that were pruned or
// are holes come back as unavailable.
func (l *Log) Range(origin string, r Range) ([]Command, []Range) {
	o, ok := l.origins[origin]
	if !ok || r.From == 0 || r.To < r.From {
		return nil, nil
	}
	r = r.Limit(SyncWindow)
	to := r.To
	if to > o.tip {
		to = o.tip
	}
	var cmds []Command
	var missing []uint64
	for seq := r.From; seq <= to; seq++ {
		if cmd, ok := o.entries[seq]; ok {
			cmds = append(cmds, cmd)
			continue
		}
		missing = append(missing, seq)
	}
	return cmds, Collapse(missing)
}

// Commands returns every stored command in replay order: origins sorted,
// then sequence.
func (l *Log) Commands() []Command {
	var out []Command
	for _, name := range l.Origins() {
		o := l.origins[name]
		seqs := make([]uint64, 0, len(o.entries))
		for seq := range o.entries {
			if seq <= o.tip {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			out = append(out, o.entries[seq])
		}
	}
	return out
}

// Compactable lists commands that may be pruned: every command for an entity
// whose latest command is a tombstone, except that tombstone, and only at or
// below the origin's horizon.
func (l *Log) Compactable(horizon func(origin string) uint64) []Ref {
	var out []Ref
	for _, name := range l.Origins() {
		o := l.origins[name]
		limit := horizon(name)
		if limit > o.tip {
			limit = o.tip
		}
		latest := map[string]Command{}
		for _, cmd := range o.entries {
			if cmd.Seq > o.tip {
				continue
			}
			if current, ok := latest[cmd.Entity]; !ok || cmd.Seq > current.Seq {
				latest[cmd.Entity] = cmd
			}
		}
		for seq, cmd := range o.entries {
			if seq > limit {
				continue
			}
			last := latest[cmd.Entity]
			if last.Tombstone && seq < last.Seq {
				out = append(out, cmd.Ref())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin == out[j].Origin {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// Prune drops the payload of the given commands; their positions stay
// settled.
func (l *Log) Prune(refs []Ref) {
	for _, ref := range refs {
		o, ok := l.origins[ref.Origin]
		if !ok {
			continue
		}
		if _, ok := o.entries[ref.Seq]; !ok {
			continue
		}
		delete(o.entries, ref.Seq)
		o.pruned[ref.Seq] = struct{}{}
	}
}

// Record is one persisted log position.
type Record struct {
	Command Command
	Pruned  bool
}

// Snapshot is the persisted state of a log.
type Snapshot struct {
	Records []Record
	Holes   map[string][]uint64
	Partial map[string]bool
}

// Restore rebuilds a log from a snapshot and returns the commands to replay,
// in replay order.
func Restore(snap Snapshot) *Log {
	l := NewLog()
	for _, rec := range snap.Records {
		o := l.origin(rec.Command.Origin)
		if rec.Pruned {
			o.pruned[rec.Command.Seq] = struct{}{}
			continue
		}
		o.buffer[rec.Command.Seq] = rec.Command
	}
	for origin, seqs := range snap.Holes {
		o := l.origin(origin)
		for _, seq := range seqs {
			o.holes[seq] = struct{}{}
		}
	}
	for origin, partial := range snap.Partial {
		if partial {
			l.origin(origin).partial = true
		}
	}
	for _, o := range l.origins {
		o.advance()
	}
	return l
}

// Collapse turns a sorted list of sequence numbers into ranges.
func Collapse(seqs []uint64) []Range {
	if len(seqs) == 0 {
		return nil
	}
	out := []Range{{From: seqs[0], To: seqs[0]}}
	for _, seq := range seqs[1:] {
		last := &out[len(out)-1]
		if seq == last.To+1 {
			last.To = seq
			continue
		}
		out = append(out, Range{From: seq, To: seq})
	}
	return out
}
