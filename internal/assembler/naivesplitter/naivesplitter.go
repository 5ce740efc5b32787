// Package naivesplitter is a stand-in for the real `!#if` preparser
// (out of scope for this engine): it treats the whole document as one
// active range, which is correct for any list containing no `!#if`
// blocks and is trivially replaceable by a host application that does
// have a real preparser wired in.
package naivesplitter

// Splitter treats content as entirely active.
type Splitter struct{}

// New returns a Splitter.
func New() Splitter { return Splitter{} }

// Scope always returns the whole content as one active range.
func (Splitter) Scope(content string) []int {
	return []int{0, len(content)}
}
