// Package testutil provides scripted Agent Runtime fakes shared by the
// executor, supervisor and server tests. Handles replay canned replies (or
// a custom invoke function) and record every input they receive, so tests
// can assert both realized behavior and the exact prompts that flowed
// through a topology.
package testutil
