// Debug dump of the resolved graph and freshness cache (-d/--debug),
// using sanity-io/litter the way the teacher's go.mod pulls it in for
// inspecting internal state.

package main

import (
	"fmt"
	"io"

	"github.com/sanity-io/litter"
)

type graphDump struct {
	Root  string
	Nodes []nodeDump
}

type nodeDump struct {
	Target   string
	Outdated bool
	Deps     []string
	FileDeps []string
	Parallel bool
	Listed   bool
}

// DumpGraph pretty-prints g and its freshness results to w.
func DumpGraph(w io.Writer, g *Graph, f *Freshness) {
	dump := graphDump{Root: g.Root.Target.String()}
	for _, n := range g.Order {
		outdated, _ := f.Outdated(n)
		nd := nodeDump{
			Target:   n.Target.String(),
			Outdated: outdated,
			Parallel: n.Rule != nil && n.Rule.Parallel,
			Listed:   n.Rule != nil && n.Rule.Listed,
		}
		for _, d := range n.Deps {
			nd.Deps = append(nd.Deps, d.Target.String())
		}
		for _, d := range n.FileDeps {
			nd.FileDeps = append(nd.FileDeps, d.String())
		}
		dump.Nodes = append(dump.Nodes, nd)
	}
	fmt.Fprintln(w, litter.Sdump(dump))
}
