// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockarray

import "github.com/eldipa/xoz/segment"

// AllocRequest describes how many bytes a segment-backed array needs from
// its parent's allocator, and a couple of policy hints the allocator is
// free to use or ignore. Inline data is always disallowed in a request
// issued by a segment-backed array (spec §4.5): a segment-backed array's
// own Segment never carries an inline tail.
type AllocRequest struct {
	Size                uint64
	CoalescingEnabled   bool
	SplitAboveThreshold uint16
}

// Allocator is the narrow interface a segment-backed Array needs from its
// parent: allocate and free regions of the parent's block space, expressed
// as Segments. The allocation policy itself (free-space tracking, best-fit
// vs first-fit, coalescing/splitting heuristics) is not part of this
// module; callers supply an Allocator implementation.
type Allocator interface {
	Alloc(req AllocRequest) (*segment.Segment, error)
	Dealloc(s *segment.Segment) error
}
