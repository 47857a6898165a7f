package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
	"github.com/oklog/ulid/v2"
)

// TaskLookup gives the resolver read-only access to persisted tasks.
type TaskLookup interface {
	// LookupTasks returns the persisted tasks among ids. Unknown IDs are
	// simply absent from the result.
	LookupTasks(ctx context.Context, ids []string) (map[string]*Task, error)
}

// IDGenerator produces process-unique, never reused task IDs.
type IDGenerator func() string

// NewTaskID returns a ULID. ULIDs from one process are monotonic, so IDs
// assigned within a batch sort in submission order.
func NewTaskID() string {
	return ulid.Make().String()
}

// Resolver validates creation batches and rewrites batch-local references
// into real task IDs. It never writes; the store commits the result.
type Resolver struct {
	lookup         TaskLookup
	categories     CategoryResolver
	newID          IDGenerator
	defaultTimeout int
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithIDGenerator overrides the ID source (tests use deterministic IDs).
func WithIDGenerator(gen IDGenerator) ResolverOption {
	return func(r *Resolver) { r.newID = gen }
}

// WithDefaultTimeout sets the timeout applied to specs that omit one.
func WithDefaultTimeout(seconds int) ResolverOption {
	return func(r *Resolver) { r.defaultTimeout = seconds }
}

// NewResolver creates a Resolver. lookup may be nil for offline validation,
// in which case every external reference is reported missing.
func NewResolver(lookup TaskLookup, categories CategoryResolver, opts ...ResolverOption) *Resolver {
	if categories == nil {
		categories = StaticCategories{}
	}
	r := &Resolver{
		lookup:         lookup,
		categories:     categories,
		newID:          NewTaskID,
		defaultTimeout: 1800,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// node is one spec inside the batch graph.
type node struct {
	index       int
	spec        *TaskSpec
	batchDeps   []int    // indexes of in-batch dependencies (incl. critique targets)
	externDeps  []string // persisted dependency IDs (incl. critique targets)
	parentIndex int      // in-batch parent, or -1
	targets     []TargetRef
}

func (n *node) uid() []int {
	if n.spec.UniqueID == nil {
		return nil
	}
	return []int{*n.spec.UniqueID}
}

func (n *node) label() string {
	if n.spec.UniqueID == nil {
		return fmt.Sprintf("spec[%d]", n.index)
	}
	return fmt.Sprintf("uniqueId %d", *n.spec.UniqueID)
}

// Resolve validates the batch and assigns real IDs. On any violation the
// whole batch is rejected with a *ValidationError.
func (r *Resolver) Resolve(ctx context.Context, batch Batch) (*ResolvedBatch, error) {
	verr := &ValidationError{}

	nodes := make([]*node, len(batch.Tasks))
	byUID := make(map[int]int, len(batch.Tasks))
	for i := range batch.Tasks {
		spec := &batch.Tasks[i]
		nodes[i] = &node{index: i, spec: spec, parentIndex: -1}
		if spec.UniqueID == nil {
			continue
		}
		if prev, dup := byUID[*spec.UniqueID]; dup {
			verr.add(ViolationDuplicateUniqueID, []int{*spec.UniqueID}, nil,
				"uniqueId %d is used by spec[%d] and spec[%d]", *spec.UniqueID, prev, i)
			continue
		}
		byUID[*spec.UniqueID] = i
	}

	external, err := r.lookupExternal(ctx, batch)
	if err != nil {
		return nil, err
	}

	for _, n := range nodes {
		r.checkNode(n, nodes, byUID, external, verr)
	}

	r.checkParentReachability(ctx, nodes, external, verr)
	detectCycles(nodes, verr)

	if !verr.empty() {
		return nil, verr
	}

	return r.build(nodes)
}

// ResolveSubtask validates a single sub-task spec under an existing parent.
func (r *Resolver) ResolveSubtask(ctx context.Context, parentID string, spec TaskSpec) (*ResolvedBatch, error) {
	spec.ParentID = parentID
	spec.ParentUniqueID = nil
	return r.Resolve(ctx, Batch{Tasks: []TaskSpec{spec}})
}

func (r *Resolver) lookupExternal(ctx context.Context, batch Batch) (map[string]*Task, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, spec := range batch.Tasks {
		for _, id := range spec.Dependencies {
			add(id)
		}
		add(spec.ParentID)
		// Malformed critique targets are reported by checkNode.
		targets, _ := spec.Inputs.CritiqueTargets()
		for _, t := range targets {
			add(t.TaskID)
		}
	}

	if len(ids) == 0 || r.lookup == nil {
		return map[string]*Task{}, nil
	}
	found, err := r.lookup.LookupTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("looking up referenced tasks: %w", err)
	}
	return found, nil
}

func (r *Resolver) checkNode(n *node, nodes []*node, byUID map[int]int, external map[string]*Task, verr *ValidationError) {
	spec := n.spec
	own := n.uid()

	if strings.TrimSpace(spec.SkillID) == "" {
		verr.add(ViolationMissingReference, own, nil, "%s has no skill_id", n.label())
	} else if cat := r.categories.Category(spec.SkillID); !cat.InGraph() {
		verr.add(ViolationForbiddenSkillCategory, own, nil,
			"%s uses %s skill %q, which may only seed the graph from outside", n.label(), cat, spec.SkillID)
	}

	// Parent.
	switch {
	case spec.ParentUniqueID != nil && spec.ParentID != "":
		verr.add(ViolationInvalidParentNesting, own, []string{spec.ParentID},
			"%s names both parentUniqueId and parent_id", n.label())
	case spec.ParentUniqueID != nil:
		puid := *spec.ParentUniqueID
		pi, ok := byUID[puid]
		switch {
		case spec.UniqueID != nil && puid == *spec.UniqueID:
			verr.add(ViolationSelfDependency, own, nil, "%s is its own parent", n.label())
		case !ok:
			verr.add(ViolationMissingReference, append(own, puid), nil,
				"%s has parent uniqueId %d which is not in the batch", n.label(), puid)
		case nodes[pi].spec.ParentUniqueID != nil || nodes[pi].spec.ParentID != "":
			verr.add(ViolationInvalidParentNesting, append(own, puid), nil,
				"%s cannot nest under uniqueId %d, which is itself a sub-task", n.label(), puid)
		default:
			n.parentIndex = pi
		}
	case spec.ParentID != "":
		parent, ok := external[spec.ParentID]
		switch {
		case !ok:
			verr.add(ViolationMissingReference, own, []string{spec.ParentID},
				"%s has parent %s which does not exist", n.label(), spec.ParentID)
		case parent.ParentID != "":
			verr.add(ViolationInvalidParentNesting, own, []string{spec.ParentID},
				"%s cannot nest under %s, which is itself a sub-task of %s", n.label(), spec.ParentID, parent.ParentID)
		case !acceptsChildren(parent):
			verr.add(ViolationInvalidParentNesting, own, []string{spec.ParentID},
				"%s cannot nest under %s in state %s", n.label(), spec.ParentID, parent.State)
		}
	}

	// Batch-local dependencies.
	seenBatch := make(map[int]bool)
	for _, dep := range spec.LogicalDependencies {
		if spec.UniqueID != nil && dep == *spec.UniqueID {
			verr.add(ViolationSelfDependency, own, nil, "%s depends on itself", n.label())
		}
		di, ok := byUID[dep]
		if !ok {
			verr.add(ViolationMissingReference, append(own, dep), nil,
				"%s depends on uniqueId %d which is not in the batch", n.label(), dep)
			continue
		}
		if !seenBatch[di] {
			seenBatch[di] = true
			n.batchDeps = append(n.batchDeps, di)
		}
	}

	// Persisted dependencies.
	seenExtern := make(map[string]bool)
	for _, dep := range spec.Dependencies {
		if _, ok := external[dep]; !ok {
			verr.add(ViolationMissingReference, own, []string{dep},
				"%s depends on task %s which does not exist", n.label(), dep)
			continue
		}
		if !seenExtern[dep] {
			seenExtern[dep] = true
			n.externDeps = append(n.externDeps, dep)
		}
	}

	// A task may not wait on its own parent or child: the parent only
	// finishes after its children, and children only start inside it.
	if n.parentIndex >= 0 && seenBatch[n.parentIndex] {
		verr.add(ViolationInvalidParentNesting, append(own, *nodes[n.parentIndex].spec.UniqueID), nil,
			"%s depends on its own parent", n.label())
	}
	if spec.ParentID != "" && seenExtern[spec.ParentID] {
		verr.add(ViolationInvalidParentNesting, own, []string{spec.ParentID},
			"%s depends on its own parent %s", n.label(), spec.ParentID)
	}
	for di := range seenBatch {
		if nodes[di].spec.ParentUniqueID != nil && spec.UniqueID != nil && *nodes[di].spec.ParentUniqueID == *spec.UniqueID {
			verr.add(ViolationInvalidParentNesting, append(own, nodes[di].uid()...), nil,
				"%s depends on its own sub-task", n.label())
		}
	}

	// Critique targets become dependencies so the critique waits for them.
	targets, err := spec.Inputs.CritiqueTargets()
	if err != nil {
		verr.add(ViolationInvalidCritiqueTarget, own, nil, "%s: %v", n.label(), err)
		return
	}
	for _, t := range targets {
		if t.UniqueID != nil {
			uid := *t.UniqueID
			ti, ok := byUID[uid]
			switch {
			case spec.UniqueID != nil && uid == *spec.UniqueID:
				verr.add(ViolationSelfDependency, own, nil, "%s critiques itself", n.label())
			case !ok:
				verr.add(ViolationMissingReference, append(own, uid), nil,
					"%s critiques uniqueId %d which is not in the batch", n.label(), uid)
			case nodes[ti].spec.ParentUniqueID != nil || nodes[ti].spec.ParentID != "":
				verr.add(ViolationInvalidCritiqueTarget, append(own, uid), nil,
					"%s critiques uniqueId %d, a sub-task; critique its parent instead", n.label(), uid)
			default:
				n.targets = append(n.targets, t)
				if !seenBatch[ti] {
					seenBatch[ti] = true
					n.batchDeps = append(n.batchDeps, ti)
				}
			}
			continue
		}

		target, ok := external[t.TaskID]
		switch {
		case !ok:
			verr.add(ViolationMissingReference, own, []string{t.TaskID},
				"%s critiques task %s which does not exist", n.label(), t.TaskID)
		case target.ParentID != "":
			verr.add(ViolationInvalidCritiqueTarget, own, []string{t.TaskID},
				"%s critiques %s, a sub-task of %s; critique its parent instead", n.label(), t.TaskID, target.ParentID)
		default:
			n.targets = append(n.targets, t)
			if !seenExtern[t.TaskID] {
				seenExtern[t.TaskID] = true
				n.externDeps = append(n.externDeps, t.TaskID)
			}
		}
	}

	if n.spec.ParentUniqueID != nil || n.spec.ParentID != "" {
		if len(targets) > 0 {
			verr.add(ViolationInvalidCritiqueTarget, own, nil,
				"%s is a sub-task and cannot critique other tasks", n.label())
		}
		if n.spec.Container {
			verr.add(ViolationInvalidParentNesting, own, nil,
				"%s is a sub-task and cannot be a container", n.label())
		}
	}
}

// acceptsChildren reports whether a persisted task can still receive
// sub-tasks. A plain task only accepts them before it is claimed; submit
// it with Container set to attach sub-tasks at any point before it
// finishes.
func acceptsChildren(parent *Task) bool {
	switch parent.State {
	case StatePlanned, StateReady:
		return true
	case StateRunning:
		return parent.HasChildren
	default:
		return false
	}
}

// checkParentReachability rejects sub-tasks of persisted parents whose
// persisted dependencies transitively wait on that parent.
func (r *Resolver) checkParentReachability(ctx context.Context, nodes []*node, external map[string]*Task, verr *ValidationError) {
	if r.lookup == nil {
		return
	}
	for _, n := range nodes {
		parentID := n.spec.ParentID
		if parentID == "" || len(n.externDeps) == 0 {
			continue
		}
		reached, via, err := r.reaches(ctx, n.externDeps, parentID, external)
		if err != nil {
			verr.add(ViolationMissingReference, n.uid(), []string{parentID}, "%s: %v", n.label(), err)
			continue
		}
		if reached {
			verr.add(ViolationCycleDetected, n.uid(), []string{via, parentID},
				"%s depends on %s, which waits on parent %s", n.label(), via, parentID)
		}
	}
}

// reaches walks dependency and parent edges of persisted tasks breadth-first.
func (r *Resolver) reaches(ctx context.Context, from []string, target string, known map[string]*Task) (bool, string, error) {
	visited := make(map[string]bool)
	origin := make(map[string]string)
	frontier := make([]string, 0, len(from))
	for _, id := range from {
		visited[id] = true
		origin[id] = id
		frontier = append(frontier, id)
	}

	for len(frontier) > 0 {
		var missing []string
		for _, id := range frontier {
			if _, ok := known[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			found, err := r.lookup.LookupTasks(ctx, missing)
			if err != nil {
				return false, "", err
			}
			for id, t := range found {
				known[id] = t
			}
		}

		var next []string
		for _, id := range frontier {
			if id == target {
				return true, origin[id], nil
			}
			t, ok := known[id]
			if !ok {
				continue
			}
			edges := append([]string(nil), t.Dependencies...)
			if t.ParentID != "" {
				edges = append(edges, t.ParentID)
			}
			for _, e := range edges {
				if !visited[e] {
					visited[e] = true
					origin[e] = origin[id]
					next = append(next, e)
				}
			}
		}
		frontier = next
	}
	return false, "", nil
}

const (
	unvisited = iota
	visiting
	visited
)

// detectCycles runs a depth-first traversal over the batch graph in
// O(tasks + edges). Besides explicit dependencies, a child implicitly waits
// on its parent's dependencies and a parent waits on its children.
func detectCycles(nodes []*node, verr *ValidationError) {
	adj := make([][]int, len(nodes))
	for _, n := range nodes {
		adj[n.index] = append(adj[n.index], n.batchDeps...)
		if n.parentIndex >= 0 {
			parent := nodes[n.parentIndex]
			adj[n.index] = append(adj[n.index], parent.batchDeps...)
			adj[parent.index] = append(adj[parent.index], n.index)
		}
	}
	for i := range adj {
		sort.Ints(adj[i])
	}

	color := make([]int, len(nodes))
	var stack []int
	reported := make(map[string]bool)

	var visit func(i int)
	visit = func(i int) {
		color[i] = visiting
		stack = append(stack, i)
		for _, j := range adj[i] {
			switch color[j] {
			case unvisited:
				visit(j)
			case visiting:
				reportCycle(nodes, stack, j, reported, verr)
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = visited
	}

	for i := range nodes {
		if color[i] == unvisited {
			visit(i)
		}
	}
}

func reportCycle(nodes []*node, stack []int, start int, reported map[string]bool, verr *ValidationError) {
	pos := len(stack) - 1
	for pos >= 0 && stack[pos] != start {
		pos--
	}
	members := append([]int(nil), stack[pos:]...)

	sorted := append([]int(nil), members...)
	sort.Ints(sorted)
	key := fmt.Sprint(sorted)
	if reported[key] {
		return
	}
	reported[key] = true

	var uids []int
	labels := make([]string, 0, len(members)+1)
	for _, m := range members {
		uids = append(uids, nodes[m].uid()...)
		labels = append(labels, nodes[m].label())
	}
	labels = append(labels, nodes[start].label())
	sort.Ints(uids)
	verr.add(ViolationCycleDetected, uids, nil, "dependency cycle: %s", strings.Join(labels, " -> "))
}

// build assigns IDs in submission order and materialises the tasks.
func (r *Resolver) build(nodes []*node) (*ResolvedBatch, error) {
	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = r.newID()
	}

	out := &ResolvedBatch{Tasks: make([]ResolvedTask, 0, len(nodes))}
	externSet := make(map[string]bool)
	var edges []toposort.Edge

	for _, n := range nodes {
		spec := n.spec
		task := &Task{
			ID:                 ids[n.index],
			SkillID:            spec.SkillID,
			Name:               spec.Name,
			Description:        spec.Description,
			Order:              spec.Order,
			Inputs:             spec.Inputs.Clone(),
			ValidationCriteria: spec.ValidationCriteria,
			TimeoutSeconds:     spec.TimeoutSeconds,
			HasChildren:        spec.Container,
			State:              StatePlanned,
		}
		if task.TimeoutSeconds <= 0 {
			task.TimeoutSeconds = r.defaultTimeout
		}

		for _, di := range n.batchDeps {
			task.Dependencies = append(task.Dependencies, ids[di])
			edges = append(edges, toposort.Edge{ids[di], task.ID})
		}
		if len(n.batchDeps) == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
		task.Dependencies = append(task.Dependencies, n.externDeps...)
		for _, id := range n.externDeps {
			externSet[id] = true
		}

		switch {
		case n.parentIndex >= 0:
			task.ParentID = ids[n.parentIndex]
			edges = append(edges, toposort.Edge{ids[n.parentIndex], task.ID})
		case spec.ParentID != "":
			task.ParentID = spec.ParentID
			externSet[spec.ParentID] = true
		}

		if len(n.targets) > 0 {
			resolved := make([]any, 0, len(n.targets))
			for _, t := range n.targets {
				if t.UniqueID != nil {
					for _, other := range nodes {
						if other.spec.UniqueID != nil && *other.spec.UniqueID == *t.UniqueID {
							resolved = append(resolved, ids[other.index])
							break
						}
					}
					continue
				}
				resolved = append(resolved, t.TaskID)
			}
			task.Inputs.Set(InputCritiquesTasks, resolved)
		}

		out.Tasks = append(out.Tasks, ResolvedTask{UniqueID: spec.UniqueID, Task: task})
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// detectCycles already rejected every cycle; reaching this is a bug.
		return nil, fmt.Errorf("ordering resolved batch: %w", err)
	}
	for _, id := range sorted {
		if id != nil {
			out.Order = append(out.Order, id.(string))
		}
	}

	for id := range externSet {
		out.External = append(out.External, id)
	}
	sort.Strings(out.External)

	return out, nil
}
