// Package threadbuilder performs the wholesale rebuild of threads and
// their membership rows, driven by a four-tier parent discovery algorithm
// over every stored patch.
package threadbuilder

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	in "mailarchive/core/port/in"
	out "mailarchive/core/port/out"
	"mailarchive/pkg/apperr"
)

// memberChunkSize is the insert chunk size for ThreadMember rows.
const memberChunkSize = 5000

// GraphMirror replays the reconstructed parent-child edges into a graph
// store, best-effort. A nil GraphMirror disables mirroring entirely.
type GraphMirror interface {
	MirrorEdges(ctx context.Context, edges []Edge) error
}

// Edge is one parent-child relationship the rebuild discovered.
type Edge struct {
	ParentPatchID int64
	ChildPatchID  int64
}

type Builder struct {
	patches out.PatchRepository
	threads out.ThreadRepository
	mirror  GraphMirror
	log     zerolog.Logger
}

func New(patches out.PatchRepository, threads out.ThreadRepository, mirror GraphMirror, log zerolog.Logger) *Builder {
	return &Builder{
		patches: patches,
		threads: threads,
		mirror:  mirror,
		log:     log.With().Str("component", "thread_builder").Logger(),
	}
}

// node is one patch plus its discovered parent, used only during the
// in-memory BFS.
type node struct {
	src      out.ThreadSource
	parentID *int64
	children []int64
}

// BuildThreads runs one full rebuild pass.
func (b *Builder) BuildThreads(ctx context.Context) (in.BuildThreadsResult, error) {
	start := time.Now()
	result := in.BuildThreadsResult{}

	sources, err := b.patches.AllForThreading(ctx)
	if err != nil {
		return result, apperr.StoreUnavailable("load patches for threading failed", err)
	}
	if len(sources) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	nodes := make(map[int64]*node, len(sources))
	byMessageID := make(map[string]int64, len(sources))
	bySubject := make(map[string][]int64, len(sources))

	for _, s := range sources {
		nodes[s.PatchID] = &node{src: s}
		if s.MessageID != "" {
			byMessageID[s.MessageID] = s.PatchID
		}
		norm := domain.NormalizeSubject(s.Subject)
		bySubject[norm] = append(bySubject[norm], s.PatchID)
	}

	seriesRoot := b.buildSeriesRoots(sources)

	orphaned := b.discoverParents(sources, nodes, byMessageID, bySubject, seriesRoot)
	orphaned += b.breakCycles(nodes)

	roots, members := b.rebuildTree(nodes)

	threadIDs, err := b.threads.RebuildMembership(ctx, roots, members)
	if err != nil {
		return result, apperr.StoreIntegrity("thread membership rebuild failed", err)
	}

	if b.mirror != nil {
		b.mirrorEdges(ctx, nodes)
	}

	result.ThreadsBuilt = len(threadIDs)
	result.MembersLinked = len(members)
	result.RootsOrphaned = orphaned
	result.Duration = time.Since(start)
	return result, nil
}

// buildSeriesRoots maps a series key to the root patch id: the member with
// the lowest series number, ties broken by earliest sent_at (sources are
// already sent_at-ascending, so the first-seen candidate for a given
// minimum series number wins).
func (b *Builder) buildSeriesRoots(sources []out.ThreadSource) map[string]int64 {
	type best struct {
		patchID   int64
		seriesNum int
	}
	bests := make(map[string]*best)

	for _, s := range sources {
		if !s.IsSeries {
			continue
		}
		key, ok := domain.ExtractSeriesKey(s.Subject, s.SeriesTotal)
		if !ok {
			continue
		}
		cur, exists := bests[key]
		if !exists {
			bests[key] = &best{patchID: s.PatchID, seriesNum: s.SeriesNum}
			continue
		}
		if s.SeriesNum < cur.seriesNum {
			cur.patchID = s.PatchID
			cur.seriesNum = s.SeriesNum
		}
	}

	roots := make(map[string]int64, len(bests))
	for key, bst := range bests {
		roots[key] = bst.patchID
	}
	return roots
}

// discoverParents applies the four-tier strategy to every patch carrying a
// threading hint (an In-Reply-To, any references, a Re: subject, or series
// membership), populating each node's parentID and the parent's children
// slice. Patches with no hint are roots outright; running the subject
// fallback on them would chain unrelated same-title postings together.
// Returns the count of hinted patches that still resolved no parent.
func (b *Builder) discoverParents(sources []out.ThreadSource, nodes map[int64]*node, byMessageID map[string]int64, bySubject map[string][]int64, seriesRoot map[string]int64) int {
	var orphaned int
	for _, s := range sources {
		if s.InReplyTo == "" && len(s.References) == 0 && !s.IsSeries && !domain.IsReplySubject(s.Subject) {
			continue
		}

		n := nodes[s.PatchID]
		var parentID *int64

		if s.InReplyTo != "" {
			if pid, ok := byMessageID[s.InReplyTo]; ok && pid != s.PatchID {
				parentID = &pid
			}
		}

		if parentID == nil {
			for i := len(s.References) - 1; i >= 0; i-- {
				if pid, ok := byMessageID[s.References[i]]; ok && pid != s.PatchID {
					parentID = &pid
					break
				}
			}
		}

		if parentID == nil {
			norm := domain.NormalizeSubject(s.Subject)
			candidates := bySubject[norm]
			minID := int64(0)
			found := false
			for _, cid := range candidates {
				if cid == s.PatchID {
					continue
				}
				if !found || cid < minID {
					minID = cid
					found = true
				}
			}
			if found {
				parentID = &minID
			}
		}

		if parentID == nil && s.IsSeries {
			if key, ok := domain.ExtractSeriesKey(s.Subject, s.SeriesTotal); ok {
				if rootID, ok := seriesRoot[key]; ok && rootID != s.PatchID {
					rid := rootID
					parentID = &rid
				}
			}
		}

		if parentID != nil {
			n.parentID = parentID
			if parent, ok := nodes[*parentID]; ok {
				parent.children = append(parent.children, s.PatchID)
			} else {
				n.parentID = nil
				orphaned++
			}
		} else {
			orphaned++
		}
	}
	return orphaned
}

// breakCycles walks every parent chain and, on finding a cycle (two
// same-subject replies can each pick the other via the subject fallback),
// clears the parent of the cycle's lowest patch id so the component regains
// a root. Returns the number of links broken.
func (b *Builder) breakCycles(nodes map[int64]*node) int {
	const (
		unvisited = 0
		inWalk    = 1
		done      = 2
	)
	state := make(map[int64]int, len(nodes))
	var broken int

	for startID := range nodes {
		if state[startID] != unvisited {
			continue
		}

		var walk []int64
		id := startID
		for state[id] == unvisited {
			state[id] = inWalk
			walk = append(walk, id)
			p := nodes[id].parentID
			if p == nil {
				break
			}
			id = *p
		}

		if state[id] == inWalk && nodes[id].parentID != nil {
			// walk re-entered itself: everything from id onward is the cycle.
			cycleStart := 0
			for i, wid := range walk {
				if wid == id {
					cycleStart = i
					break
				}
			}
			minID := walk[cycleStart]
			for _, wid := range walk[cycleStart:] {
				if wid < minID {
					minID = wid
				}
			}
			orphan := nodes[minID]
			parent := nodes[*orphan.parentID]
			parent.children = removeID(parent.children, minID)
			orphan.parentID = nil
			broken++
			b.log.Warn().Int64("patch_id", minID).Msg("broke parent cycle, treating patch as orphan root")
		}

		for _, wid := range walk {
			state[wid] = done
		}
	}
	return broken
}

func removeID(ids []int64, id int64) []int64 {
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	return kept
}

// rebuildTree runs a defensive BFS from every root, computing depth,
// position_in_thread, and thread_path for every member.
func (b *Builder) rebuildTree(nodes map[int64]*node) ([]out.ThreadRoot, []out.ThreadMemberRow) {
	var rootIDs []int64
	for id, n := range nodes {
		if n.parentID == nil {
			rootIDs = append(rootIDs, id)
		}
	}
	sort.Slice(rootIDs, func(i, j int) bool {
		si, sj := nodes[rootIDs[i]].src, nodes[rootIDs[j]].src
		if si.SentAt.Equal(sj.SentAt) {
			return rootIDs[i] < rootIDs[j]
		}
		return si.SentAt.Before(sj.SentAt)
	})

	var roots []out.ThreadRoot
	var members []out.ThreadMemberRow

	for _, rootID := range rootIDs {
		root := nodes[rootID]

		roots = append(roots, out.ThreadRoot{
			RootPatchID:   rootID,
			RootMessageID: root.src.MessageID,
			SubjectBase:   domain.NormalizeSubject(root.src.Subject),
		})

		members = append(members, b.bfsFromRoot(nodes, rootID)...)
	}

	return roots, members
}

// bfsFromRoot walks one thread breadth-first, assigning depth, a position
// counter in that visiting order, and the root-to-self path. A child whose patch id is
// already on the current path is skipped; breakCycles should have removed
// every such edge, but the guard keeps a bad edge from looping the walk.
func (b *Builder) bfsFromRoot(nodes map[int64]*node, rootID int64) []out.ThreadMemberRow {
	type queued struct {
		patchID int64
		depth   int
		path    []int64
	}

	var members []out.ThreadMemberRow
	position := 0

	queue := []queued{{patchID: rootID, depth: 0, path: []int64{rootID}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		n := nodes[cur.patchID]
		var parentID *int64
		if cur.depth > 0 {
			p := cur.path[cur.depth-1]
			parentID = &p
		}

		members = append(members, out.ThreadMemberRow{
			PatchID:          cur.patchID,
			ParentPatchID:    parentID,
			Depth:            cur.depth,
			PositionInThread: position,
			ThreadPath:       append([]int64(nil), cur.path...),
		})
		position++

		children := append([]int64(nil), n.children...)
		sort.Slice(children, func(i, j int) bool {
			si, sj := nodes[children[i]].src, nodes[children[j]].src
			if si.SentAt.Equal(sj.SentAt) {
				return children[i] < children[j]
			}
			return si.SentAt.Before(sj.SentAt)
		})

		for _, childID := range children {
			if containsID(cur.path, childID) {
				b.log.Warn().Int64("patch_id", childID).Msg("skipping cyclic thread edge")
				continue
			}
			childPath := append(append([]int64(nil), cur.path...), childID)
			queue = append(queue, queued{patchID: childID, depth: cur.depth + 1, path: childPath})
		}
	}

	return members
}

func containsID(path []int64, id int64) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func (b *Builder) mirrorEdges(ctx context.Context, nodes map[int64]*node) {
	var edges []Edge
	for id, n := range nodes {
		if n.parentID != nil {
			edges = append(edges, Edge{ParentPatchID: *n.parentID, ChildPatchID: id})
		}
	}
	if len(edges) == 0 {
		return
	}
	if err := b.mirror.MirrorEdges(ctx, edges); err != nil {
		b.log.Warn().Err(err).Msg("thread graph mirror failed, continuing")
	}
}

var _ in.ThreadService = (*Builder)(nil)
