// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package capability holds the declarative description of every class that the
// controller may drive on the workers.
//
// A capability spec answers three questions for one class: which properties
// can be read and written remotely, which methods can be called remotely, and
// for each call whether every worker executes it (collective) or only one, and
// how the per-worker results are combined (reduction).
//
// Specs are data, not code. They are written in HCL, one or more `class`
// blocks per file:
//
//	class "VerletList" {
//	  constructor {
//	    arg "storage" { type = handle }
//	    arg "cutoff"  { type = number }
//	  }
//	  property "builds" { type = number }
//	  call "totalSize" {
//	    collective = true
//	    reduction  = "sum"
//	    returns    = number
//	  }
//	}
//
// Loading a spec validates it completely. Anything malformed is reported as a
// configuration error before a single invocation has been sent, and the
// loaded Set can be inspected (Describe) without starting a job.
package capability
