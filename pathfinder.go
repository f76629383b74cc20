package main

import (
	"context"
	"runtime"
	"sync"

	"github.com/ronnin/oldman-club/internal/registry"
	"github.com/ronnin/oldman-club/internal/store"
)

// newPathFinder initializes and returns a new [pathFinder] instance using the provided dependency
// reader, maximum depth, and status callback.
func newPathFinder(r dependencyReader, maxDepth int, status func(string)) pathFinder {
	return pathFinder{
		r:        r,
		maxDepth: maxDepth,
		status:   status,
	}
}

// pathFinder queries the registry to construct dependency paths of up to maxDepth steps between
// two module versions.
type pathFinder struct {
	r        dependencyReader
	status   func(string)
	maxDepth int

	sem chan struct{}
	wg  *sync.WaitGroup
}

// pathFinderResult defines the result items produced by [pathFinder.findPathsBetween].  Each result
// contains either a slice of [registry.VersionRef] instances representing a path between the specified
// versions or an error.
type pathFinderResult struct {
	path []registry.VersionRef
	err  error
}

// findPathsBetween repeatedly queries the registry to find one or more dependency paths between
// the two specified versions.  If to has no version, any version of its module matches.  The returned
// channel is closed once the search completes or ctx ends.
func (pf *pathFinder) findPathsBetween(ctx context.Context, from, to registry.VersionRef) chan pathFinderResult {
	// semaphore to limit concurrency to the number of available CPUs
	n := runtime.NumCPU()
	pf.sem = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		pf.sem <- struct{}{}
	}
	// wait group to monitor outstanding async tasks
	pf.wg = &sync.WaitGroup{}

	results := make(chan pathFinderResult)
	pf.wg.Add(1)
	go func() {
		defer func() {
			pf.wg.Done()
			pf.wg.Wait()
			close(results)
		}()
		pf.search(ctx, []registry.VersionRef{from}, to, 1, results)
	}()
	return results
}

// search queries the registry for the dependencies of the last element of chain, producing a result
// to rc for each one that matches to and recursing into the rest.  Versions already on the chain are
// skipped so that cyclic edges can't loop.
func (pf *pathFinder) search(ctx context.Context, chain []registry.VersionRef, to registry.VersionRef, depth int, rc chan pathFinderResult) {
	// grab the semaphore b/c unbounded concurrency is :(
	select {
	case <-pf.sem:
	case <-ctx.Done():
		pf.send(ctx, rc, pathFinderResult{err: ctx.Err()})
		return
	}
	defer func() { pf.sem <- struct{}{} }()

	from := chain[len(chain)-1]
	pf.status("processing " + from.String())
	deps, err := pf.r.DependenciesOf(ctx, from, store.Master)
	if err != nil {
		pf.send(ctx, rc, pathFinderResult{err: err})
		return
	}
	children := make([]registry.VersionRef, 0, len(deps))
	for _, d := range deps {
		if ctx.Err() != nil {
			pf.send(ctx, rc, pathFinderResult{err: ctx.Err()})
			return
		}
		if d.Module() == to.Module() && (to.Version == "" || d.Version == to.Version) {
			logger.Debug("found path", "chain", chain, "to", d)
			// data sharing == bad
			cc := make([]registry.VersionRef, len(chain), len(chain)+1)
			copy(cc, chain)
			if !pf.send(ctx, rc, pathFinderResult{path: append(cc, d)}) {
				return
			}
		}
		if !onChain(chain, d) {
			children = append(children, d)
		}
	}
	// recurse down the graph if we haven't hit max yet
	if depth < pf.maxDepth {
		for _, c := range children {
			pf.wg.Add(1)
			// data sharing == bad
			cc := make([]registry.VersionRef, len(chain), len(chain)+1)
			copy(cc, chain)
			go func() {
				defer pf.wg.Done()
				pf.search(ctx, append(cc, c), to, depth+1, rc)
			}()
		}
	}
}

// send delivers r to rc unless ctx ends first, in which case it reports false.  Errors are dropped
// once the context is done since the consumer is no longer required to drain the channel.
func (pf *pathFinder) send(ctx context.Context, rc chan<- pathFinderResult, r pathFinderResult) bool {
	select {
	case rc <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func onChain(chain []registry.VersionRef, v registry.VersionRef) bool {
	for _, c := range chain {
		if c == v {
			return true
		}
	}
	return false
}
